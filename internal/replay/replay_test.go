package replay

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/llm"
	"github.com/surfari/surfari/internal/observability"
	"github.com/surfari/surfari/internal/security"
)

type fakeClient struct {
	resp  any
	err   error
	calls int
}

func (f *fakeClient) GenerateJSON(ctx context.Context, req llm.Request) (any, error) {
	f.calls++
	return f.resp, f.err
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func newTestManager(t *testing.T, root string, client JSONClient, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), root, client, testLogger(), opts)
	require.NoError(t, err)
	return m
}

func TestTaskHash(t *testing.T) {
	h := TaskHash("book a flight")
	assert.Len(t, h, 16)
	assert.Equal(t, h, TaskHash("  book a flight  "))
	assert.NotEqual(t, h, TaskHash("book a hotel"))
	assert.Len(t, TaskHash(""), 16)
}

func TestSaveAndExactReplay(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	opts := Options{TaskDescription: "check my balance", SiteID: 7, SiteName: "My Bank"}

	history := []llm.Message{
		{Role: "user", Content: "check my balance"},
		{Role: "assistant", Content: `{"tool_calls":[{"name":"click","arguments":{"id":12}}]}`},
	}

	rec := newTestManager(t, root, &fakeClient{}, opts)
	rec.SetRecording(history, nil)
	id, err := rec.SaveRecording(ctx)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	play := newTestManager(t, root, &fakeClient{}, opts)
	loaded, err := play.AttemptLoad(ctx)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, history, play.RecordedHistory())

	// FIFO consumption.
	assert.Equal(t, 2, play.Remaining())
	msg, ok := play.Next()
	require.True(t, ok)
	assert.Equal(t, "user", msg.Role)
	msg, ok = play.Next()
	require.True(t, ok)
	assert.Equal(t, "assistant", msg.Role)
	_, ok = play.Next()
	assert.False(t, ok)
	assert.Equal(t, 0, play.Remaining())
}

func TestSaveRecordingReplacesDuplicate(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	opts := Options{TaskDescription: "check my balance", SiteID: 7, SiteName: "My Bank"}

	for i := 0; i < 2; i++ {
		m := newTestManager(t, root, &fakeClient{}, opts)
		m.SetRecording([]llm.Message{{Role: "user", Content: "check my balance"}}, nil)
		_, err := m.SaveRecording(ctx)
		require.NoError(t, err)
	}

	db, err := security.OpenDatabase(root)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM replay_tasks`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSaveRecordingRequiresHistory(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &fakeClient{}, Options{TaskDescription: "x", SiteID: 1, SiteName: "s"})
	_, err := m.SaveRecording(context.Background())
	assert.Error(t, err)
}

func TestParameterizedReplay(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	// Record a Boston-to-Seattle run.
	recClient := &fakeClient{resp: map[string]any{
		"parameterized_task_desc": "Find tickets from :1 to :2 under $:3",
		"variables":               map[string]any{":1": "Boston", ":2": "Seattle", ":3": "500"},
	}}
	rec := newTestManager(t, root, recClient, Options{
		TaskDescription:     "Find tickets from Boston to Seattle under $500",
		SiteID:              3,
		SiteName:            "Flights",
		UseParameterization: true,
	})
	loaded, err := rec.AttemptLoad(ctx)
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, "Find tickets from :1 to :2 under $:3", rec.ParameterizedTask())

	rec.SetRecording([]llm.Message{
		{Role: "user", Content: "Find tickets from Boston to Seattle under $500"},
		{Role: "assistant", Content: "Searching flights Boston to Seattle"},
	}, rec.CurrentVariables())
	_, err = rec.SaveRecording(ctx)
	require.NoError(t, err)

	// Replay a Denver-to-Austin run against the same template.
	playClient := &fakeClient{resp: map[string]any{
		"parameterized_task_desc": "Find tickets from :1 to :2 under $:3",
		"variables":               map[string]any{":1": "Denver", ":2": "Austin", ":3": "300"},
	}}
	play := newTestManager(t, root, playClient, Options{
		TaskDescription:     "Find tickets from Denver to Austin under $300",
		SiteID:              3,
		SiteName:            "Flights",
		UseParameterization: true,
	})
	loaded, err = play.AttemptLoad(ctx)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 1, playClient.calls)

	history := play.RecordedHistory()
	require.Len(t, history, 2)
	assert.Equal(t, "Find tickets from Denver to Austin under $300", history[0].Content)
	assert.Equal(t, "Searching flights Denver to Austin", history[1].Content)
}

func TestParameterizationUnchangedTaskSkipsReplay(t *testing.T) {
	task := "do the thing"
	client := &fakeClient{resp: map[string]any{
		"parameterized_task_desc": task,
		"variables":               map[string]any{},
	}}
	m := newTestManager(t, t.TempDir(), client, Options{
		TaskDescription:     task,
		SiteID:              1,
		SiteName:            "s",
		UseParameterization: true,
	})
	loaded, err := m.AttemptLoad(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestParameterizeTaskInvalidResponse(t *testing.T) {
	m := newTestManager(t, t.TempDir(), &fakeClient{resp: map[string]any{}},
		Options{TaskDescription: "x", SiteID: 1, SiteName: "s"})
	_, _, err := m.ParameterizeTask(context.Background(), "x")
	assert.Error(t, err)

	_, _, err = m.ParameterizeTask(context.Background(), "   ")
	assert.Error(t, err)
}
