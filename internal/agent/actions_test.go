package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"

	"github.com/surfari/surfari/internal/config"
)

func TestIsNoisyURL(t *testing.T) {
	noisy := []string{
		"https://www.google-analytics.com/collect",
		"https://cdn.example.com/gtm.js",
		"https://api.Segment.io/v1/track",
		"wss://app.example.com/ws/updates",
		"https://app.example.com/eventsource/feed",
		"https://o123.ingest.sentry.io/api/envelope",
	}
	for _, url := range noisy {
		assert.True(t, isNoisyURL(url), url)
	}

	quiet := []string{
		"https://bank.example.com/api/accounts",
		"https://cdn.example.com/app.js",
		"https://example.com/images/logo.png",
	}
	for _, url := range quiet {
		assert.False(t, isNoisyURL(url), url)
	}
}

func TestCSSEscape(t *testing.T) {
	assert.Equal(t, "col-md-6", cssEscape("col-md-6"))
	assert.Equal(t, `ng\:scope`, cssEscape("ng:scope"))
	assert.Equal(t, `a\.b\[c\]`, cssEscape("a.b[c]"))
	assert.Equal(t, "plain_name", cssEscape("plain_name"))
}

func TestEvaluateExpansionMetricsSafe(t *testing.T) {
	check := evaluateExpansionMetrics(map[string]any{
		"popup": false, "overlay": false, "netDomDelta": 5.0, "ariaFlippedFalseToTrue": false,
	})
	assert.True(t, check.Safe)
	assert.Equal(t, "safe", check.Reason)
}

func TestEvaluateExpansionMetricsUnsafe(t *testing.T) {
	cases := []struct {
		name    string
		metrics map[string]any
		reason  string
	}{
		{"popup", map[string]any{"popup": true}, "popup/overlay added"},
		{"overlay", map[string]any{"overlay": true}, "popup/overlay added"},
		{"dom growth", map[string]any{"netDomDelta": 41.0}, "large DOM change detected"},
		{"dom shrink", map[string]any{"netDomDelta": -41.0}, "large DOM change detected"},
		{"aria", map[string]any{"ariaFlippedFalseToTrue": true}, "aria-expanded changed from false to true"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			check := evaluateExpansionMetrics(tc.metrics)
			assert.False(t, check.Safe)
			assert.Equal(t, tc.reason, check.Reason)
		})
	}

	combined := evaluateExpansionMetrics(map[string]any{"popup": true, "netDomDelta": 100.0})
	assert.False(t, combined.Safe)
	assert.Equal(t, "popup/overlay added / large DOM change detected", combined.Reason)
}

func TestEvaluateExpansionMetricsBoundary(t *testing.T) {
	assert.True(t, evaluateExpansionMetrics(map[string]any{"netDomDelta": 40.0}).Safe)
	assert.False(t, evaluateExpansionMetrics(map[string]any{"netDomDelta": 41.0}).Safe)
}

func TestAsInt(t *testing.T) {
	assert.Equal(t, 7, asInt(7))
	assert.Equal(t, 7, asInt(7.9))
	assert.Equal(t, 0, asInt("7"))
	assert.Equal(t, 0, asInt(nil))
}

func TestAsBool(t *testing.T) {
	assert.True(t, asBool(true))
	assert.False(t, asBool(false))
	assert.False(t, asBool("true"))
	assert.False(t, asBool(nil))
}

// fakeActionPage satisfies the page methods the action runner touches when
// reasoning overlays are disabled.
type fakeActionPage struct {
	playwright.Page
}

func (p *fakeActionPage) WaitForTimeout(timeout float64) {}

// playwrightLocator lets fakes embed the Locator interface without the
// embedded field name shadowing the interface's Locator method.
type playwrightLocator = playwright.Locator

// fakeFillLocator drives fillElement through a plain text input whose
// expansion watch reports the given metrics.
type fakeFillLocator struct {
	playwrightLocator
	metrics map[string]any
}

func (l *fakeFillLocator) Count() (int, error) { return 1, nil }
func (l *fakeFillLocator) IsVisible(options ...playwright.LocatorIsVisibleOptions) (bool, error) {
	return false, nil
}
func (l *fakeFillLocator) IsDisabled(options ...playwright.LocatorIsDisabledOptions) (bool, error) {
	return false, nil
}
func (l *fakeFillLocator) ScrollIntoViewIfNeeded(options ...playwright.LocatorScrollIntoViewIfNeededOptions) error {
	return nil
}
func (l *fakeFillLocator) WaitFor(options ...playwright.LocatorWaitForOptions) error { return nil }
func (l *fakeFillLocator) Click(options ...playwright.LocatorClickOptions) error     { return nil }
func (l *fakeFillLocator) Clear(options ...playwright.LocatorClearOptions) error     { return nil }
func (l *fakeFillLocator) PressSequentially(text string, options ...playwright.LocatorPressSequentiallyOptions) error {
	return nil
}
func (l *fakeFillLocator) Evaluate(expression string, arg interface{}, options ...playwright.LocatorEvaluateOptions) (interface{}, error) {
	switch expression {
	case startExpansionWatchJS:
		return nil, nil
	case finishExpansionWatchJS:
		return l.metrics, nil
	}
	switch {
	case strings.Contains(expression, "tagName"):
		return "INPUT", nil
	case strings.Contains(expression, "el.type"):
		return "text", nil
	}
	return nil, nil
}

// fakeClickLocator records whether its click ever ran.
type fakeClickLocator struct {
	playwrightLocator
	clicked bool
}

func (l *fakeClickLocator) Count() (int, error) { return 1, nil }
func (l *fakeClickLocator) IsVisible(options ...playwright.LocatorIsVisibleOptions) (bool, error) {
	return false, nil
}
func (l *fakeClickLocator) IsDisabled(options ...playwright.LocatorIsDisabledOptions) (bool, error) {
	return false, nil
}
func (l *fakeClickLocator) ScrollIntoViewIfNeeded(options ...playwright.LocatorScrollIntoViewIfNeededOptions) error {
	return nil
}
func (l *fakeClickLocator) WaitFor(options ...playwright.LocatorWaitForOptions) error { return nil }
func (l *fakeClickLocator) Click(options ...playwright.LocatorClickOptions) error {
	l.clicked = true
	return nil
}

func TestTakeActionsUnsafeFillBreaksTurn(t *testing.T) {
	cfg := config.Default()
	cfg.App.ShowReasoningBox = false
	runner := newActionRunner(cfg, testLogger())

	fill := &fakeFillLocator{metrics: map[string]any{"popup": true, "netDomDelta": 100.0}}
	click := &fakeClickLocator{}
	steps := []map[string]any{
		{"action": "fill", "target": "{From}", "value": "Boston", "locator": fill},
		{"action": "click", "target": "[Search]", "locator": click},
	}

	results := runner.takeActions(context.Background(), &fakeActionPage{}, steps, len(steps), "entering the origin airport")

	first, _ := results[0]["result"].(string)
	assert.True(t, strings.HasPrefix(first, "Success with note:"), first)
	second, _ := results[1]["result"].(string)
	assert.True(t, strings.HasPrefix(second, "Wait:"), second)
	assert.False(t, click.clicked, "later steps must not run after an unsafe fill")
}

func TestTakeActionsSafeFillContinues(t *testing.T) {
	cfg := config.Default()
	cfg.App.ShowReasoningBox = false
	runner := newActionRunner(cfg, testLogger())

	fill := &fakeFillLocator{metrics: map[string]any{"netDomDelta": 2.0}}
	click := &fakeClickLocator{}
	steps := []map[string]any{
		{"action": "fill", "target": "{From}", "value": "Boston", "locator": fill},
		{"action": "click", "target": "[Search]", "locator": click},
	}

	results := runner.takeActions(context.Background(), &fakeActionPage{}, steps, len(steps), "entering the origin airport")

	assert.Equal(t, "success", results[0]["result"])
	assert.Equal(t, "success", results[1]["result"])
	assert.True(t, click.clicked)
}
