// Package agent implements the navigation agent: the turn loop that reads
// the distilled page layout, asks the model for the next step, and executes
// it on the live page.
package agent

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/llm"
	"github.com/surfari/surfari/internal/masking"
	"github.com/surfari/surfari/internal/observability"
	"github.com/surfari/surfari/internal/security"
)

// baseAgent carries the plumbing every agent needs: model selection, data
// masking, credential access, and run accounting.
type baseAgent struct {
	name   string
	model  string
	cfg    *config.Config
	logger *observability.Logger
	client *llm.Client
	creds  *security.CredentialManager

	// masker is nil when data masking is disabled.
	masker *masking.NumericMasker

	siteID   int
	siteName string

	rng *rand.Rand
}

func newBaseAgent(name string, cfg *config.Config, logger *observability.Logger, client *llm.Client, creds *security.CredentialManager, enableMasking bool) baseAgent {
	b := baseAgent{
		name:   name,
		model:  cfg.ModelFor(name),
		cfg:    cfg,
		logger: logger.WithComponent(name),
		client: client,
		creds:  creds,
	}
	if enableMasking {
		b.masker = masking.NewNumericMasker()
	}
	return b
}

// secretsToMask maps the site's real username and password to placeholder
// strings of roughly the same length. The placeholders are what the model
// sees in the page layout.
func (b *baseAgent) secretsToMask(ctx context.Context) map[string]string {
	if b.creds == nil {
		return map[string]string{}
	}
	secrets, err := b.creds.LoadSiteSecrets(ctx, b.siteID)
	if err != nil {
		b.logger.Warn(ctx, "failed to load site secrets", "error", err)
		return map[string]string{}
	}

	out := map[string]string{}
	if username := secrets[security.UsernamePlaceholder]; username != "" {
		out[username] = b.jitteredPlaceholder("U", len(username))
	}
	if password := secrets[security.PasswordPlaceholder]; password != "" {
		out[password] = b.jitteredPlaceholder("P", len(password))
	}
	return out
}

// jitteredPlaceholder builds prefix plus a run of '#' whose length is the
// secret's length scaled by a random factor in [0.8, 1.2), so the
// placeholder does not leak the exact credential length.
func (b *baseAgent) jitteredPlaceholder(prefix string, length int) string {
	factor := 0.8 + b.uniform()*0.4
	return prefix + strings.Repeat("#", int(float64(length)*factor))
}

func (b *baseAgent) uniform() float64 {
	if b.rng != nil {
		return b.rng.Float64()
	}
	return rand.Float64()
}

func (b *baseAgent) addDonotMaskTerms(in string) {
	if b.masker != nil {
		b.masker.AddDonotMaskTermsFromString(in)
	}
}

func (b *baseAgent) maskText(text string, donotMask []string) string {
	if b.masker == nil {
		return text
	}
	return b.masker.Mask(text, donotMask)
}

func (b *baseAgent) unmaskText(text string) string {
	if b.masker == nil {
		return text
	}
	return b.masker.Unmask(text)
}

// unmaskJSON walks a decoded JSON value, unmasking every string and
// normalizing numbers to strings (25.0 becomes "25", 25.5 becomes "25.5").
// For "value" and "target" keys the still-masked original is preserved
// under "orig_value"/"orig_target" so it can be restored in chat history.
func (b *baseAgent) unmaskJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val)+2)
		for key, item := range val {
			if key == "value" {
				out["orig_value"] = item
			}
			if key == "target" {
				out["orig_target"] = item
			}
			out[key] = b.unmaskJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = b.unmaskJSON(item)
		}
		return out
	case string:
		return b.unmaskText(val)
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return v
	}
}

// insertRunStats writes the accumulated token usage and cost to the
// database, one row per purpose.
func (b *baseAgent) insertRunStats(ctx context.Context) {
	store := security.NewRunStatsStore(b.cfg.ProjectRoot, b.logger)
	err := store.Insert(ctx, b.cfg.App.LLMModel, b.client.Stats.Snapshot(),
		b.cfg.App.ModelCosts.Input, b.cfg.App.ModelCosts.Output)
	if err != nil {
		b.logger.Error(ctx, "failed to insert run stats", "error", err)
	}
}
