package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/submission-runner/internal/auth"
	"github.com/sakif/submission-runner/internal/executor"
	"github.com/sakif/submission-runner/internal/model"
	"github.com/sakif/submission-runner/internal/repository"
	"github.com/sakif/submission-runner/internal/service"
	"github.com/sakif/submission-runner/internal/workspace"
)

type stubRuns struct{}

func (stubRuns) RunSubmission(context.Context, string, string) (string, error) {
	return "Execution Output:\nok", nil
}
func (stubRuns) RunBatch(context.Context, []string, string) (string, error) { return "report", nil }
func (stubRuns) SubmitSubmission(context.Context, string, string) (*model.Run, error) {
	return &model.Run{ID: "r1", Kind: model.RunKindSingle, Status: model.RunStatusQueued}, nil
}
func (stubRuns) SubmitBatch(context.Context, []string, string) (*model.Run, error) {
	return &model.Run{ID: "r2", Kind: model.RunKindBatch, Status: model.RunStatusQueued}, nil
}
func (stubRuns) GetRun(context.Context, string) (*model.Run, error) {
	return &model.Run{ID: "r1"}, nil
}
func (stubRuns) ListRuns(context.Context, repository.ListOptions) ([]model.Run, error) {
	return []model.Run{}, nil
}
func (stubRuns) ListFolders(string) ([]string, error) { return []string{}, nil }

type stubQueue struct{ stopped atomic.Bool }

func (q *stubQueue) Stop(context.Context) (int, error) {
	q.stopped.Store(true)
	return 0, nil
}

type stubDB struct{ closed atomic.Bool }

func (d *stubDB) Close() error {
	d.closed.Store(true)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config, deps Deps) http.Handler {
	t.Helper()
	if deps.Runs == nil {
		deps.Runs = stubRuns{}
	}
	s, err := New(cfg, deps, testLogger())
	require.NoError(t, err)
	return s.Handler()
}

func do(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestNew_RequiresRunService(t *testing.T) {
	_, err := New(Config{}, Deps{}, testLogger())
	assert.Error(t, err)
}

func TestRoutes(t *testing.T) {
	h := newTestServer(t, Config{}, Deps{})

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/submissions", `{"code":"print(1)","input":""}`, http.StatusOK},
		{http.MethodPost, "/api/submissions/async", `{"code":"print(1)","input":""}`, http.StatusAccepted},
		{http.MethodPost, "/api/batches", `{"folders":["/a"],"inputFilePath":"/in.txt"}`, http.StatusAccepted},
		{http.MethodPost, "/api/batches/sync", `{"folders":["/a"],"inputFilePath":"/in.txt"}`, http.StatusOK},
		{http.MethodGet, "/api/runs", "", http.StatusOK},
		{http.MethodGet, "/api/runs/r1", "", http.StatusOK},
		{http.MethodGet, "/api/folders?parent=/tmp", "", http.StatusOK},
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/submissions", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := do(h, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestAuth(t *testing.T) {
	tokens, err := auth.NewTokenService("server-test-secret-0123456789")
	require.NoError(t, err)
	token, err := tokens.Generate("ci", time.Hour)
	require.NoError(t, err)

	h := newTestServer(t, Config{}, Deps{Tokens: tokens})

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/runs", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/runs", "", token).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "", "").Code, "health is public")
}

func TestRateLimit_OnlyPostEndpoints(t *testing.T) {
	h := newTestServer(t, Config{RateLimitRPS: 1, RateLimitBurst: 1}, Deps{})
	body := `{"code":"print(1)","input":""}`

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/submissions", body, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/api/submissions", body, "").Code)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/runs", "", "").Code)
	}
}

func TestHealth_RuntimeDown(t *testing.T) {
	h := newTestServer(t, Config{}, Deps{
		Health: func(context.Context) error { return errors.New("daemon unreachable") },
	})

	rr := do(h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "daemon unreachable")
}

func TestRun_ShutdownStopsQueueAndClosesDB(t *testing.T) {
	queue := &stubQueue{}
	db := &stubDB{}
	s, err := New(Config{Port: 0, ShutdownTimeout: time.Second}, Deps{
		Runs:  stubRuns{},
		Queue: queue,
		DB:    db,
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.True(t, queue.stopped.Load())
	assert.True(t, db.closed.Load())
}

// hangingExecutor blocks until its context is cancelled.
type hangingExecutor struct {
	started   chan struct{}
	cancelled chan error
}

func (e *hangingExecutor) Execute(ctx context.Context, _ executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	close(e.started)
	<-ctx.Done()
	e.cancelled <- ctx.Err()
	return nil, ctx.Err()
}

func TestRun_ShutdownCancelsHungRequest(t *testing.T) {
	logger := testLogger()
	root := filepath.Join(t.TempDir(), "temp_submissions")
	exec := &hangingExecutor{started: make(chan struct{}), cancelled: make(chan error, 1)}
	runs := service.NewRunService(exec, workspace.NewManager(root, logger), nil, nil, nil, logger)

	queue := &stubQueue{}
	db := &stubDB{}
	s, err := New(Config{ShutdownTimeout: 100 * time.Millisecond, HandlerGrace: 5 * time.Second}, Deps{
		Runs:  runs,
		Queue: queue,
		DB:    db,
	}, logger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/api/submissions", "application/json",
			strings.NewReader(`{"code":"while True: pass","input":""}`))
		if err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the executor")
	}
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the run holds a workspace")

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	select {
	case err := <-exec.cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("executor was not cancelled")
	}

	entries, err = os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "the workspace is removed before Run returns")
	assert.True(t, queue.stopped.Load())
	assert.True(t, db.closed.Load())
}
