package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
	"github.com/fyrsmithlabs/refinery/internal/session"
)

// fakeRunner records run configs and reports sessions as immediately done.
type fakeRunner struct {
	store     session.Store
	runs      chan orchestrator.RunConfig
	blockSeen chan string
	block     bool
}

func (f *fakeRunner) Run(ctx context.Context, cfg orchestrator.RunConfig) (*session.Session, error) {
	sess := &session.Session{
		ID:          cfg.SessionID,
		Mission:     cfg.Mission,
		ProjectPath: cfg.ProjectPath,
		Status:      session.StatusPending,
	}
	_ = f.store.CreateSession(context.Background(), sess)
	f.runs <- cfg
	if f.block {
		f.blockSeen <- cfg.SessionID
		<-ctx.Done()
		sess.Status = session.StatusCancelled
		_ = f.store.UpdateSession(context.Background(), sess)
	}
	return sess, nil
}

func newTestServer(t *testing.T, block bool) (*Server, *fakeRunner, session.Store) {
	t.Helper()
	store, err := session.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runner := &fakeRunner{
		store:     store,
		runs:      make(chan orchestrator.RunConfig, 4),
		blockSeen: make(chan string, 4),
		block:     block,
	}
	cfg := config.NewDefaultConfig()
	srv, err := NewServer(runner, store, session.NewBroker(), cfg, prometheus.NewRegistry(), logging.NewNop())
	require.NoError(t, err)
	return srv, runner, store
}

func doJSON(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	rec := doJSON(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestStartSession(t *testing.T) {
	srv, runner, _ := newTestServer(t, false)

	rec := doJSON(srv, http.MethodPost, "/api/v1/sessions",
		`{"project_path": "/repo", "mission": "improve coverage"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp StartSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)

	select {
	case cfg := <-runner.runs:
		assert.Equal(t, resp.ID, cfg.SessionID)
		assert.Equal(t, "/repo", cfg.ProjectPath)
		assert.Equal(t, "improve coverage", cfg.Mission)
	case <-time.After(2 * time.Second):
		t.Fatal("runner was never invoked")
	}
}

func TestStartSessionValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	rec := doJSON(srv, http.MethodPost, "/api/v1/sessions", `{"mission": "m"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession(t *testing.T) {
	srv, _, store := newTestServer(t, false)
	require.NoError(t, store.CreateSession(context.Background(), &session.Session{
		ID: "s1", ProjectPath: "/p", Status: session.StatusTesting,
	}))

	rec := doJSON(srv, http.MethodGet, "/api/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"testing"`)

	rec = doJSON(srv, http.MethodGet, "/api/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions(t *testing.T) {
	srv, _, store := newTestServer(t, false)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &session.Session{ID: "a", ProjectPath: "/p", Status: session.StatusPending}))
	require.NoError(t, store.CreateSession(ctx, &session.Session{ID: "b", ProjectPath: "/p", Status: session.StatusPending}))

	rec := doJSON(srv, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 2)
}

func TestCancelSession(t *testing.T) {
	srv, runner, store := newTestServer(t, true)

	rec := doJSON(srv, http.MethodPost, "/api/v1/sessions", `{"project_path": "/repo"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp StartSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	<-runner.runs
	<-runner.blockSeen

	rec = doJSON(srv, http.MethodDelete, "/api/v1/sessions/"+resp.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.Eventually(t, func() bool {
		sess, err := store.GetSession(context.Background(), resp.ID)
		return err == nil && sess.Status == session.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelMissingSession(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	rec := doJSON(srv, http.MethodDelete, "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsReplayAndLive(t *testing.T) {
	srv, _, store := newTestServer(t, false)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &session.Session{ID: "s1", ProjectPath: "/p", Status: session.StatusTesting}))
	_, err := store.AppendEvent(ctx, "s1", session.PhaseEvent{Phase: "testing"})
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, "s1", session.ScoreEvent{Score: 61})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		srv.broker.Publish("s1", 0, session.ResultEvent{Success: true, FinalScore: 95, StoppedReason: "max_score"})
	}()

	rec := doJSON(srv, http.MethodGet, "/api/v1/sessions/s1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"phase"`)
	assert.Contains(t, body, `"type":"score"`)
	// Live-tailed terminal event ends the stream.
	assert.Contains(t, body, `"type":"result"`)
	assert.Contains(t, body, `"stopped_reason":"max_score"`)
}

func TestStreamEventsSkipsReplayedDuplicates(t *testing.T) {
	srv, _, store := newTestServer(t, false)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &session.Session{ID: "s1", ProjectPath: "/p", Status: session.StatusTesting}))
	seq, err := store.AppendEvent(ctx, "s1", session.ScoreEvent{Score: 61})
	require.NoError(t, err)

	// The same persisted event arriving live must not render twice.
	go func() {
		time.Sleep(100 * time.Millisecond)
		srv.broker.Publish("s1", seq, session.ScoreEvent{Score: 61})
		srv.broker.Publish("s1", seq+1, session.ResultEvent{Success: true, StoppedReason: "max_score"})
	}()

	rec := doJSON(srv, http.MethodGet, "/api/v1/sessions/s1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, `"type":"score"`))
	assert.Contains(t, body, `"type":"result"`)
}

func TestStreamEventsMissingSession(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	rec := doJSON(srv, http.MethodGet, "/api/v1/sessions/nope/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	rec := doJSON(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
