// Package replay records successful task runs and replays them on later
// runs of the same or a structurally identical task, skipping the model
// entirely when a recording matches.
package replay

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/surfari/surfari/internal/llm"
	"github.com/surfari/surfari/internal/observability"
	"github.com/surfari/surfari/internal/security"
)

// JSONClient is the slice of the model client the replay manager needs.
// *llm.Client satisfies it.
type JSONClient interface {
	GenerateJSON(ctx context.Context, req llm.Request) (any, error)
}

// Options configure a Manager for one task run.
type Options struct {
	TaskDescription string
	SiteID          int
	SiteName        string
	// Model used for parameterization. Empty means the client's default.
	Model string
	// UseParameterization enables the LLM fallback when no exact
	// recording exists.
	UseParameterization bool
}

// Manager stores and retrieves task recordings. Recordings are keyed by a
// hash of the task text, with a parameterized fallback so "Boston to
// Seattle" can replay a "Denver to Austin" recording with the values
// swapped in.
type Manager struct {
	projectRoot string
	logger      *observability.Logger
	client      JSONClient
	opts        Options

	taskHash              string
	parameterizedTaskDesc string
	parameterizedTaskHash string

	recordedHistory   []llm.Message
	recordedVariables map[string]string
	currentVariables  map[string]string

	// replayPos is the index of the next unconsumed recorded message.
	replayPos int
}

// NewManager creates a manager and ensures the replay_tasks table exists.
func NewManager(ctx context.Context, projectRoot string, client JSONClient, logger *observability.Logger, opts Options) (*Manager, error) {
	m := &Manager{
		projectRoot: projectRoot,
		logger:      logger.WithComponent("replay"),
		client:      client,
		opts:        opts,
		taskHash:    TaskHash(opts.TaskDescription),
	}
	if err := m.initSchema(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// TaskHash returns a stable low-collision key for a task description: the
// first 16 hex characters of the SHA-256 of the trimmed text.
func TaskHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])[:16]
}

func (m *Manager) initSchema(ctx context.Context) error {
	db, err := security.OpenDatabase(m.projectRoot)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS replay_tasks (
			task_id INTEGER NOT NULL UNIQUE PRIMARY KEY AUTOINCREMENT,
			site_id INTEGER NOT NULL,
			site_name TEXT NOT NULL,
			task_hash TEXT NOT NULL,
			task_description TEXT NOT NULL,
			parameterized_task_hash TEXT,
			parameterized_task_desc TEXT,
			chat_history TEXT NOT NULL,
			history_variables TEXT,
			created_at DATETIME NOT NULL
		)`)
	return err
}

// SetRecording stages a finished run's chat history and the variables the
// parameterization produced for it, ready for SaveRecording.
func (m *Manager) SetRecording(history []llm.Message, variables map[string]string) {
	m.recordedHistory = history
	m.recordedVariables = variables
}

// SaveRecording persists the staged recording. An existing row with the
// same site name, task hash, and parameterized hash is replaced.
func (m *Manager) SaveRecording(ctx context.Context) (int64, error) {
	if m.recordedHistory == nil {
		return 0, errors.New("no recorded chat history to save")
	}

	historyJSON, err := json.Marshal(m.recordedHistory)
	if err != nil {
		return 0, err
	}
	var variablesJSON any
	if m.recordedVariables != nil {
		raw, err := json.Marshal(m.recordedVariables)
		if err != nil {
			return 0, err
		}
		variablesJSON = string(raw)
	}

	db, err := security.OpenDatabase(m.projectRoot)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		DELETE FROM replay_tasks
		WHERE site_name = ? AND task_hash = ? AND parameterized_task_hash = ?`,
		m.opts.SiteName, m.taskHash, m.parameterizedTaskHash)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO replay_tasks (
			site_id, site_name, task_hash, task_description,
			parameterized_task_hash, parameterized_task_desc,
			chat_history, history_variables, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.opts.SiteID, m.opts.SiteName, m.taskHash, m.opts.TaskDescription,
		m.parameterizedTaskHash, m.parameterizedTaskDesc,
		string(historyJSON), variablesJSON, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// fetchRecording loads the most recent matching row, by exact task hash or
// by parameterized hash, into the manager.
func (m *Manager) fetchRecording(ctx context.Context, parameterized bool) error {
	if m.opts.SiteID == 0 {
		return errors.New("site_id must be set before fetching recordings")
	}

	db, err := security.OpenDatabase(m.projectRoot)
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		SELECT parameterized_task_hash, parameterized_task_desc, chat_history, history_variables
		FROM replay_tasks
		WHERE site_id = ? AND task_hash = ?
		ORDER BY task_id DESC LIMIT 1`
	key := m.taskHash
	if parameterized {
		query = `
			SELECT parameterized_task_hash, parameterized_task_desc, chat_history, history_variables
			FROM replay_tasks
			WHERE site_id = ? AND parameterized_task_hash = ?
			ORDER BY task_id DESC LIMIT 1`
		key = m.parameterizedTaskHash
	}

	var paramHash, paramDesc, historyJSON, variablesJSON any
	row := db.QueryRowContext(ctx, query, m.opts.SiteID, key)
	if err := row.Scan(&paramHash, &paramDesc, &historyJSON, &variablesJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	if s, ok := historyJSON.(string); ok {
		var history []llm.Message
		if err := json.Unmarshal([]byte(s), &history); err == nil {
			m.recordedHistory = history
		}
	}
	if s, ok := variablesJSON.(string); ok && s != "" {
		var vars map[string]string
		if err := json.Unmarshal([]byte(s), &vars); err == nil {
			m.recordedVariables = vars
		}
	}
	if s, ok := paramDesc.(string); ok {
		m.parameterizedTaskDesc = s
	}
	if s, ok := paramHash.(string); ok {
		m.parameterizedTaskHash = s
	}
	if !parameterized {
		// Exact match means no parameterization ran, so the recorded
		// values are the current values.
		m.currentVariables = m.recordedVariables
	}
	return nil
}

// ParameterizeTask asks the model to rewrite a task description with :1,
// :2, ... placeholders and returns the template plus the extracted values.
func (m *Manager) ParameterizeTask(ctx context.Context, taskDesc string) (string, map[string]string, error) {
	if strings.TrimSpace(taskDesc) == "" {
		return "", nil, errors.New("task description cannot be empty")
	}
	siteName := m.opts.SiteName
	if siteName == "" {
		siteName = "UnknownSite"
	}

	resp, err := m.client.GenerateJSON(ctx, llm.Request{
		Model:        m.opts.Model,
		SystemPrompt: parameterizationSystemPrompt,
		UserPrompt:   taskDesc,
		Purpose:      fmt.Sprintf("TaskParameterization-%s", siteName),
		SiteID:       m.opts.SiteID,
	})
	if err != nil {
		return "", nil, err
	}

	obj, ok := resp.(map[string]any)
	if !ok {
		return "", nil, errors.New("invalid parameterization response")
	}
	desc, _ := obj["parameterized_task_desc"].(string)
	variables := map[string]string{}
	if raw, ok := obj["variables"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				variables[k] = s
			} else {
				variables[k] = fmt.Sprint(v)
			}
		}
	}
	if desc == "" && len(variables) == 0 {
		return "", nil, errors.New("invalid parameterization response: missing parameterized_task_desc and variables")
	}
	return desc, variables, nil
}

// AttemptLoad tries to arm a replay for the current task. It checks for an
// exact recording first, then parameterizes the task and checks for a
// template match, substituting the recorded values with the current ones.
// It returns true when a replay is armed.
func (m *Manager) AttemptLoad(ctx context.Context) (bool, error) {
	if err := m.fetchRecording(ctx, false); err != nil {
		return false, err
	}
	if m.recordedHistory != nil {
		m.logger.Info(ctx, "loaded exact task recording for replay", "site", m.opts.SiteName)
		return true, nil
	}

	if m.opts.UseParameterization {
		m.logger.Info(ctx, "no exact recording, parameterizing task", "site", m.opts.SiteName)
		desc, variables, err := m.ParameterizeTask(ctx, m.opts.TaskDescription)
		if err != nil {
			return false, err
		}
		if desc == "" || desc == m.opts.TaskDescription {
			m.logger.Info(ctx, "parameterization produced no usable template")
			return false, nil
		}
		m.parameterizedTaskDesc = desc
		m.parameterizedTaskHash = TaskHash(desc)
		m.currentVariables = variables
		if err := m.fetchRecording(ctx, true); err != nil {
			return false, err
		}
	}

	if m.recordedHistory != nil && m.recordedVariables != nil && m.currentVariables != nil {
		m.logger.Info(ctx, "loaded parameterized recording, substituting variables", "site", m.opts.SiteName)
		replaced := make([]llm.Message, len(m.recordedHistory))
		for i, msg := range m.recordedHistory {
			for k, oldVal := range m.recordedVariables {
				if newVal, ok := m.currentVariables[k]; ok && oldVal != "" {
					msg.Content = strings.ReplaceAll(msg.Content, oldVal, newVal)
				}
			}
			replaced[i] = msg
		}
		m.recordedHistory = replaced
		return true, nil
	}

	if m.recordedHistory == nil {
		m.logger.Info(ctx, "no recording found, running fresh", "site", m.opts.SiteName)
		return false, nil
	}
	return true, nil
}

// RecordedHistory returns the armed replay history, after any variable
// substitution.
func (m *Manager) RecordedHistory() []llm.Message {
	return m.recordedHistory
}

// CurrentVariables returns the variables extracted for the current task,
// for storage alongside a new recording.
func (m *Manager) CurrentVariables() map[string]string {
	return m.currentVariables
}

// ParameterizedTask returns the placeholder template, when one exists.
func (m *Manager) ParameterizedTask() string {
	return m.parameterizedTaskDesc
}

// Next pops the next unconsumed recorded message. It returns false when
// the replay is exhausted.
func (m *Manager) Next() (llm.Message, bool) {
	if m.replayPos >= len(m.recordedHistory) {
		return llm.Message{}, false
	}
	msg := m.recordedHistory[m.replayPos]
	m.replayPos++
	return msg, true
}

// Remaining reports how many recorded messages have not been consumed.
func (m *Manager) Remaining() int {
	if m.replayPos >= len(m.recordedHistory) {
		return 0
	}
	return len(m.recordedHistory) - m.replayPos
}

// RecordingInfo is one saved recording row, without the chat history.
type RecordingInfo struct {
	TaskID            int64  `json:"task_id"`
	SiteID            int    `json:"site_id"`
	SiteName          string `json:"site_name"`
	TaskDescription   string `json:"task_description"`
	ParameterizedTask string `json:"parameterized_task_desc,omitempty"`
	CreatedAt         string `json:"created_at"`
}

// ListRecordings returns every saved recording, newest first.
func ListRecordings(ctx context.Context, projectRoot string) ([]RecordingInfo, error) {
	db, err := security.OpenDatabase(projectRoot)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT task_id, site_id, site_name, task_description,
		       COALESCE(parameterized_task_desc, ''), created_at
		FROM replay_tasks
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RecordingInfo{}
	for rows.Next() {
		var info RecordingInfo
		if err := rows.Scan(&info.TaskID, &info.SiteID, &info.SiteName,
			&info.TaskDescription, &info.ParameterizedTask, &info.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
