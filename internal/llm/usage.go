package llm

import "sync"

// Usage is the token accounting of one vendor call.
type Usage struct {
	Vendor     string `json:"vendor"`
	Model      string `json:"model"`
	Prompt     int    `json:"prompt_tokens"`
	Cached     int    `json:"prompt_tokens_cached"`
	Completion int    `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.Prompt + u.Completion }

// PurposeStats is the accumulated usage for one purpose.
type PurposeStats struct {
	PromptTokenCount     int `json:"prompt_token_count"`
	PromptTokenCached    int `json:"prompt_token_cached"`
	CandidatesTokenCount int `json:"candidates_token_count"`
	TotalTokenCount      int `json:"total_token_count"`
}

// TokenStats accumulates token usage per purpose. Safe for concurrent use.
type TokenStats struct {
	mu    sync.Mutex
	stats map[string]*PurposeStats
}

// NewTokenStats creates an empty tracker.
func NewTokenStats() *TokenStats {
	return &TokenStats{stats: make(map[string]*PurposeStats)}
}

// Update adds one call's counts to the purpose's totals.
func (t *TokenStats) Update(purpose string, prompt, completion, cached int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[purpose]
	if !ok {
		s = &PurposeStats{}
		t.stats[purpose] = s
	}
	s.PromptTokenCount += prompt
	s.PromptTokenCached += cached
	s.CandidatesTokenCount += completion
	s.TotalTokenCount += prompt + completion
}

// Snapshot returns a copy of the accumulated stats.
func (t *TokenStats) Snapshot() map[string]PurposeStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]PurposeStats, len(t.stats))
	for purpose, s := range t.stats {
		out[purpose] = *s
	}
	return out
}

// Cost prices the accumulated usage at per-million-token rates.
func (t *TokenStats) Cost(inputPerMillion, outputPerMillion float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cost float64
	for _, s := range t.stats {
		cost += float64(s.PromptTokenCount) / 1e6 * inputPerMillion
		cost += float64(s.CandidatesTokenCount) / 1e6 * outputPerMillion
	}
	return cost
}
