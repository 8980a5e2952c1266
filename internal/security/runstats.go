package security

import (
	"context"

	"github.com/surfari/surfari/internal/llm"
	"github.com/surfari/surfari/internal/observability"
)

// RunStatsStore persists per-agent token usage and cost at the end of a run.
type RunStatsStore struct {
	projectRoot string
	logger      *observability.Logger
}

// NewRunStatsStore creates a store writing to the credential database.
func NewRunStatsStore(projectRoot string, logger *observability.Logger) *RunStatsStore {
	return &RunStatsStore{projectRoot: projectRoot, logger: logger.WithComponent("security")}
}

func (s *RunStatsStore) initSchema(ctx context.Context) error {
	db, err := openDB(s.projectRoot)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_run_stats (
			run_id INTEGER NOT NULL UNIQUE PRIMARY KEY AUTOINCREMENT,
			model TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			prompt_token_count INTEGER NOT NULL,
			candidates_token_count INTEGER NOT NULL,
			prompt_token_cost REAL NOT NULL,
			candidates_token_cost REAL NOT NULL,
			total_llm_cost REAL NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

// Insert prices the accumulated usage of each purpose at per-million-token
// rates and writes one row per purpose.
func (s *RunStatsStore) Insert(ctx context.Context, model string, stats map[string]llm.PurposeStats, inputPerMillion, outputPerMillion float64) error {
	if len(stats) == 0 {
		return nil
	}
	if err := s.initSchema(ctx); err != nil {
		return err
	}

	db, err := openDB(s.projectRoot)
	if err != nil {
		return err
	}
	defer db.Close()

	for agentName, st := range stats {
		promptCost := float64(st.PromptTokenCount) * inputPerMillion / 1e6
		completionCost := float64(st.CandidatesTokenCount) * outputPerMillion / 1e6
		_, err := db.ExecContext(ctx, `
			INSERT INTO agent_run_stats (
				model, agent_name, prompt_token_count, candidates_token_count,
				prompt_token_cost, candidates_token_cost, total_llm_cost
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			model, agentName, st.PromptTokenCount, st.CandidatesTokenCount,
			promptCost, completionCost, promptCost+completionCost)
		if err != nil {
			return err
		}
		s.logger.Debug(ctx, "recorded run stats",
			"agent", agentName,
			"prompt_tokens", st.PromptTokenCount,
			"completion_tokens", st.CandidatesTokenCount,
			"cost", promptCost+completionCost)
	}
	return nil
}
