package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sigbridge/internal/journal"
	"github.com/mattjoyce/sigbridge/internal/supervisor"
)

type fakeSupervisor struct {
	state     supervisor.State
	channelID string
	restarts  int
	startedAt time.Time
}

func (f *fakeSupervisor) State() supervisor.State { return f.state }
func (f *fakeSupervisor) ChannelID() string       { return f.channelID }
func (f *fakeSupervisor) Restarts() int           { return f.restarts }
func (f *fakeSupervisor) StartedAt() time.Time    { return f.startedAt }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := New(Config{Listen: "127.0.0.1:0"}, &fakeSupervisor{}, nil)

	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	sup := &fakeSupervisor{
		state:     supervisor.StateReady,
		channelID: "sigbridge-abc",
		restarts:  2,
		startedAt: time.Now().Add(-time.Minute),
	}
	s := New(Config{Listen: "127.0.0.1:0"}, sup, nil)

	rec := get(t, s.Handler(), "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["state"])
	assert.Equal(t, "sigbridge-abc", body["channel_id"])
	assert.EqualValues(t, 2, body["restarts"])
	assert.NotEmpty(t, body["uptime"])
}

func TestEventsWithoutJournal(t *testing.T) {
	s := New(Config{Listen: "127.0.0.1:0"}, &fakeSupervisor{}, nil)

	rec := get(t, s.Handler(), "/v1/events")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestEventsFromJournal(t *testing.T) {
	ctx := context.Background()
	jnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer jnl.Close()

	require.NoError(t, jnl.Record(ctx, journal.KindLaunch, "sigbridge-x", 42, ""))
	require.NoError(t, jnl.Record(ctx, journal.KindConnected, "sigbridge-x", 42, ""))

	s := New(Config{Listen: "127.0.0.1:0"}, &fakeSupervisor{}, jnl)

	rec := get(t, s.Handler(), "/v1/events?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var events []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, journal.KindConnected, events[0]["kind"])
	assert.EqualValues(t, 42, events[0]["worker_pid"])
}

func TestRequestsFromJournal(t *testing.T) {
	ctx := context.Background()
	jnl, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer jnl.Close()

	require.NoError(t, jnl.RecordRequest(ctx, "action Foo()", journal.StatusOK, ""))

	s := New(Config{Listen: "127.0.0.1:0"}, &fakeSupervisor{}, jnl)

	rec := get(t, s.Handler(), "/v1/requests")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "action Foo()", records[0]["signature"])
	assert.Equal(t, journal.StatusOK, records[0]["status"])
}
