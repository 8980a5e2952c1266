package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/google"
	"github.com/surfari/surfari/internal/llm"
	"github.com/surfari/surfari/internal/observability"
	"github.com/surfari/surfari/internal/replay"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func testAgent(t *testing.T, opts Options) *NavigationAgent {
	t.Helper()
	return &NavigationAgent{
		baseAgent: baseAgent{name: "NavigationAgent-test", logger: testLogger()},
		opts:      opts,
	}
}

func TestValidateURL(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	assert.Equal(t, ok.URL, validateURL(ctx, logger, ok.URL))

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()
	assert.Equal(t, "", validateURL(ctx, logger, notFound.URL))

	assert.Equal(t, "", validateURL(ctx, logger, ""))
	assert.Equal(t, "", validateURL(ctx, logger, "ftp://example.com/file"))
	assert.Equal(t, "", validateURL(ctx, logger, "not a url"))
}

func TestValidateURLHeadRejected(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()

	// 405 on HEAD is treated as reachable; some servers reject HEAD
	// while serving GET fine.
	rejectsHead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer rejectsHead.Close()
	assert.Equal(t, rejectsHead.URL, validateURL(ctx, logger, rejectsHead.URL))

	headErrors := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer headErrors.Close()
	assert.Equal(t, headErrors.URL, validateURL(ctx, logger, headErrors.URL))
}

func TestPDFFilenameFromURL(t *testing.T) {
	assert.Equal(t, "statement.pdf", pdfFilenameFromURL("https://bank.example.com/docs/statement.pdf"))
	assert.Equal(t, "March Statement.pdf", pdfFilenameFromURL("https://bank.example.com/docs/March%20Statement.pdf"))

	fallback := pdfFilenameFromURL("https://bank.example.com/docs/view?id=42")
	assert.True(t, strings.HasPrefix(fallback, "downloaded_"))
	assert.True(t, strings.HasSuffix(fallback, ".pdf"))
}

type fakeOTPFetcher struct {
	code  string
	err   error
	calls int
}

func (f *fakeOTPFetcher) GetOTPCode(ctx context.Context, opts google.OTPOptions) (string, error) {
	f.calls++
	return f.code, f.err
}

func TestCheckStepsForOTPFullCode(t *testing.T) {
	fetcher := &fakeOTPFetcher{code: "482913"}
	a := testAgent(t, Options{OTPFetcher: fetcher})

	steps := []map[string]any{
		{"action": "fill", "target": "{Verification code}", "value": "OTP"},
		{"action": "click", "target": "[Verify]"},
	}
	n, updated, err := a.checkStepsForOTP(context.Background(), steps)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "482913", updated[0]["value"])
	// Input steps stay untouched.
	assert.Equal(t, "OTP", steps[0]["value"])
	assert.Equal(t, 1, fetcher.calls)
}

func TestCheckStepsForOTPDigitBoxes(t *testing.T) {
	fetcher := &fakeOTPFetcher{code: "1234"}
	a := testAgent(t, Options{OTPFetcher: fetcher})

	steps := []map[string]any{
		{"action": "fill", "target": "{_1}", "value": "*"},
		{"action": "fill", "target": "{_2}", "value": "*"},
		{"action": "fill", "target": "{_3}", "value": "*"},
		{"action": "fill", "target": "{_4}", "value": "*"},
	}
	n, updated, err := a.checkStepsForOTP(context.Background(), steps)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	for i, want := range []string{"1", "2", "3", "4"} {
		assert.Equal(t, want, updated[i]["value"])
	}
}

func TestCheckStepsForOTPDigitLengthMismatch(t *testing.T) {
	fetcher := &fakeOTPFetcher{code: "123456"}
	a := testAgent(t, Options{OTPFetcher: fetcher})

	steps := []map[string]any{
		{"action": "fill", "target": "{_1}", "value": "*"},
		{"action": "fill", "target": "{_2}", "value": "*"},
	}
	n, updated, err := a.checkStepsForOTP(context.Background(), steps)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "*", updated[0]["value"])
}

func TestCheckStepsForOTPNoOTPFields(t *testing.T) {
	fetcher := &fakeOTPFetcher{code: "1234"}
	a := testAgent(t, Options{OTPFetcher: fetcher})

	steps := []map[string]any{
		{"action": "fill", "target": "{Username}", "value": "alice"},
	}
	n, updated, err := a.checkStepsForOTP(context.Background(), steps)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, fetcher.calls)
	assert.Equal(t, "alice", updated[0]["value"])
}

func TestCheckStepsForOTPFetchFailure(t *testing.T) {
	fetcher := &fakeOTPFetcher{err: errors.New("mailbox unavailable")}
	a := testAgent(t, Options{OTPFetcher: fetcher})

	steps := []map[string]any{
		{"action": "fill", "target": "{Code}", "value": "OTP"},
	}
	_, _, err := a.checkStepsForOTP(context.Background(), steps)
	assert.Error(t, err)
}

func TestCheckStepsForOTPEmptyCode(t *testing.T) {
	fetcher := &fakeOTPFetcher{code: ""}
	a := testAgent(t, Options{OTPFetcher: fetcher})

	steps := []map[string]any{
		{"action": "fill", "target": "{Code}", "value": "OTP"},
	}
	n, updated, err := a.checkStepsForOTP(context.Background(), steps)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "OTP", updated[0]["value"])
}

func TestNotifyFirstTargetNotFoundNonInteractable(t *testing.T) {
	a := testAgent(t, Options{})

	step := map[string]any{
		"action":      "click",
		"target":      "Sign In",
		"orig_target": "Sign In",
	}
	a.notifyFirstTargetNotFound(context.Background(), step)

	result, _ := step["result"].(string)
	assert.Contains(t, result, "An interactable element must start with [ or {")
	assert.NotContains(t, step, "orig_target")
	require.Len(t, a.chatHistory, 1)
	assert.Equal(t, "user", a.chatHistory[0].Role)

	var recorded map[string]any
	require.NoError(t, json.Unmarshal([]byte(a.chatHistory[0].Content), &recorded))
	assert.Equal(t, "Sign In", recorded["target"])
}

func TestNotifyFirstTargetNotFoundInteractable(t *testing.T) {
	a := testAgent(t, Options{})

	step := map[string]any{
		"action":      "click",
		"target":      "[Sign In]",
		"orig_target": "[Sign In]",
	}
	a.notifyFirstTargetNotFound(context.Background(), step)

	result, _ := step["result"].(string)
	assert.Contains(t, result, "Do you see the EXACT target in the page?")
}

func TestNotifyFirstTargetNotFoundCheckbox(t *testing.T) {
	a := testAgent(t, Options{})

	step := map[string]any{
		"action":      "check",
		"target":      "☐ Remember me",
		"orig_target": "☐ Remember me",
	}
	a.notifyFirstTargetNotFound(context.Background(), step)

	result, _ := step["result"].(string)
	assert.Contains(t, result, "Do you see the EXACT target in the page?")
}

func TestProcessLocatorActionResults(t *testing.T) {
	a := testAgent(t, Options{})

	longResult := "Error: " + strings.Repeat("x", 300)
	steps := []map[string]any{
		{
			"action":      "fill",
			"target":      "unmasked target",
			"orig_target": "{Amount}",
			"value":       "12345",
			"orig_value":  "#####",
			"locator":     "placeholder",
			"result":      "success",
		},
		{
			"action":  "click",
			"target":  "[Pay]",
			"locator": "placeholder",
			"result":  longResult,
		},
	}
	a.processLocatorActionResults(context.Background(), steps)

	assert.NotContains(t, steps[0], "locator")
	assert.Equal(t, "{Amount}", steps[0]["target"])
	assert.Equal(t, "#####", steps[0]["value"])
	assert.NotContains(t, steps[0], "orig_target")
	assert.NotContains(t, steps[0], "orig_value")

	// Without originals the keys are removed entirely.
	assert.NotContains(t, steps[1], "target")
	result, _ := steps[1]["result"].(string)
	assert.Len(t, result, 203)
	assert.True(t, strings.HasSuffix(result, "..."))

	assert.Equal(t, 1, a.totalErrors)
	require.Len(t, a.chatHistory, 1)
	assert.Equal(t, "user", a.chatHistory[0].Role)

	var recorded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(a.chatHistory[0].Content), &recorded))
	assert.Len(t, recorded, 2)
}

func TestHandlePageLevelActionUnknown(t *testing.T) {
	a := testAgent(t, Options{})
	assert.False(t, a.handlePageLevelAction(context.Background(), nil, "SEQUENCE", "reasoning", 0))
	assert.False(t, a.handlePageLevelAction(context.Background(), nil, "SUCCESS", "reasoning", 0))
}

func TestNextRecordedUserArrayContent(t *testing.T) {
	ctx := context.Background()
	recorder, err := replay.NewManager(ctx, t.TempDir(), nil, testLogger(), replay.Options{
		TaskDescription: "check the balance",
		SiteID:          1,
		SiteName:        "Acme Bank",
	})
	require.NoError(t, err)

	// Locator-action results are recorded as a JSON array of steps; the
	// replay retry gate reads the first step's result.
	recorder.SetRecording([]llm.Message{
		{Role: "user", Content: `[{"action":"click","target":"[Next]","result":"success"}]`},
		{Role: "user", Content: `{"action":"fill","target":"{Search}","result":"success"}`},
		{Role: "user", Content: `[]`},
		{Role: "user", Content: `not json`},
	}, nil)

	a := testAgent(t, Options{})
	a.recorder = recorder

	first := a.nextRecordedUser(ctx)
	require.NotNil(t, first)
	assert.Equal(t, "success", first["result"])
	assert.Equal(t, "[Next]", first["target"])

	second := a.nextRecordedUser(ctx)
	require.NotNil(t, second)
	assert.Equal(t, "{Search}", second["target"])

	assert.Nil(t, a.nextRecordedUser(ctx))
	assert.Nil(t, a.nextRecordedUser(ctx))
}
