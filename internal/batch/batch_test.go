package batch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/submission-runner/internal/apperror"
	"github.com/sakif/submission-runner/internal/executor"
	"github.com/sakif/submission-runner/internal/model"
	"github.com/sakif/submission-runner/internal/workspace"
)

// fakeExecutor returns canned outcomes keyed by the submitted code.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []executor.ExecutionRequest
	inputs   []string
	errs     map[string]error
	delay    time.Duration
	running  atomic.Int32
	peak     atomic.Int32
	onRun    func()
}

func (f *fakeExecutor) Execute(_ context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	code, err := os.ReadFile(req.CodePath)
	if err != nil {
		return nil, err
	}
	input, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.inputs = append(f.inputs, string(input))
	f.mu.Unlock()

	if f.onRun != nil {
		f.onRun()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := f.errs[string(code)]; err != nil {
		return nil, err
	}
	return &executor.ExecutionResult{ResultContents: "ran " + string(code)}, nil
}

func newTestCoordinator(t *testing.T, exec executor.Executor, opts ...Option) (*Coordinator, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	root := filepath.Join(t.TempDir(), "temp_submissions")
	return NewCoordinator(workspace.NewManager(root, logger), exec, logger, opts...), root
}

// newSubmission creates a folder holding files (name -> content).
func newSubmission(t *testing.T, parent, name string, files map[string]string) model.Submission {
	t.Helper()
	dir := filepath.Join(parent, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for fn, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fn), []byte(content), 0o644))
	}
	return model.Submission{DisplayName: name, FolderPath: dir}
}

func assertNoWorkspacesLeft(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunBatch_Isolation(t *testing.T) {
	parent := t.TempDir()
	subs := []model.Submission{
		newSubmission(t, parent, "alice", map[string]string{"main.py": "A"}),
		newSubmission(t, parent, "bob", map[string]string{"notes.txt": "no code"}),
		newSubmission(t, parent, "carol", map[string]string{"main.py": "C"}),
	}

	exec := &fakeExecutor{}
	c, root := newTestCoordinator(t, exec)

	report := c.RunBatch(context.Background(), subs, "shared input")

	want := "--- Running Submission: alice ---\n" +
		"Result for alice:\n" + (&executor.ExecutionResult{ResultContents: "ran A"}).String() + "\n\n" +
		"--- Running Submission: bob ---\n" +
		"Error: No Python file (.py) found in folder: " + subs[1].FolderPath + "\n\n" +
		"--- Running Submission: carol ---\n" +
		"Result for carol:\n" + (&executor.ExecutionResult{ResultContents: "ran C"}).String() + "\n\n"
	assert.Equal(t, want, report)

	assert.Len(t, exec.requests, 2)
	assert.Equal(t, []string{"shared input", "shared input"}, exec.inputs)
	assertNoWorkspacesLeft(t, root)
}

func TestRunBatch_ExecutionErrorDoesNotAbort(t *testing.T) {
	parent := t.TempDir()
	subs := []model.Submission{
		newSubmission(t, parent, "slow", map[string]string{"a.py": "loop"}),
		newSubmission(t, parent, "crash", map[string]string{"a.py": "raise"}),
		newSubmission(t, parent, "fine", map[string]string{"a.py": "ok"}),
	}

	exec := &fakeExecutor{errs: map[string]error{
		"loop":  apperror.Timeout(10 * time.Second),
		"raise": apperror.NonZeroExit(1, "Traceback"),
	}}
	c, root := newTestCoordinator(t, exec)

	report := c.RunBatch(context.Background(), subs, "")

	assert.Contains(t, report, "Error for slow:\nExecution timed out after 10s.\n\n")
	assert.Contains(t, report, "Error for crash:\nDocker execution failed with status: exit status 1\nStderr: Traceback\n\n")
	assert.Contains(t, report, "Result for fine:\n")
	assert.Len(t, exec.requests, 3)
	assertNoWorkspacesLeft(t, root)
}

func TestRunBatch_EachRunGetsOwnWorkspace(t *testing.T) {
	parent := t.TempDir()
	subs := []model.Submission{
		newSubmission(t, parent, "same", map[string]string{"a.py": "1"}),
		newSubmission(t, filepath.Join(parent, "other"), "same", map[string]string{"a.py": "2"}),
	}

	exec := &fakeExecutor{}
	c, _ := newTestCoordinator(t, exec)
	c.RunBatch(context.Background(), subs, "")

	require.Len(t, exec.requests, 2)
	first, second := exec.requests[0], exec.requests[1]
	assert.NotEqual(t, filepath.Dir(first.CodePath), filepath.Dir(second.CodePath))
	assert.Equal(t, filepath.Dir(first.CodePath), filepath.Dir(first.OutputPath))
	assert.True(t, strings.HasPrefix(filepath.Base(filepath.Dir(first.CodePath)), "submission_same_"))
	assert.Equal(t, workspace.CodeFileName, filepath.Base(first.CodePath))
}

func TestRunBatch_WorkspaceErrorIsRecorded(t *testing.T) {
	parent := t.TempDir()
	subs := []model.Submission{
		newSubmission(t, parent, "alice", map[string]string{"a.py": "A"}),
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	// A regular file where the temp root should be makes Acquire fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	exec := &fakeExecutor{}
	c := NewCoordinator(workspace.NewManager(blocker, logger), exec, logger)

	report := c.RunBatch(context.Background(), subs, "")

	assert.True(t, strings.HasPrefix(report, "--- Running Submission: alice ---\nError for alice:\nFailed to create temp root"))
	assert.Empty(t, exec.requests)
}

func TestRunBatch_Empty(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeExecutor{})
	assert.Equal(t, "", c.RunBatch(context.Background(), nil, "x"))
}

func TestRunBatch_Cancelled(t *testing.T) {
	parent := t.TempDir()
	subs := []model.Submission{
		newSubmission(t, parent, "first", map[string]string{"a.py": "1"}),
		newSubmission(t, parent, "second", map[string]string{"a.py": "2"}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExecutor{onRun: cancel}
	c, _ := newTestCoordinator(t, exec)

	report := c.RunBatch(ctx, subs, "")

	assert.Contains(t, report, "Result for first:\n")
	assert.Contains(t, report, "--- Running Submission: second ---\nError for second:\nRun cancelled before it started: context canceled\n\n")
	assert.Len(t, exec.requests, 1)
}

func TestRunBatch_WorkersPreserveOrder(t *testing.T) {
	parent := t.TempDir()
	var subs []model.Submission
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		subs = append(subs, newSubmission(t, parent, name, map[string]string{"a.py": name}))
	}

	exec := &fakeExecutor{delay: 50 * time.Millisecond}
	c, root := newTestCoordinator(t, exec, WithWorkers(3))

	report := c.RunBatch(context.Background(), subs, "")

	last := -1
	for _, sub := range subs {
		idx := strings.Index(report, "--- Running Submission: "+sub.DisplayName+" ---\nResult for "+sub.DisplayName)
		require.GreaterOrEqual(t, idx, 0, sub.DisplayName)
		assert.Greater(t, idx, last)
		last = idx
	}
	assert.LessOrEqual(t, exec.peak.Load(), int32(3))
	assert.Greater(t, exec.peak.Load(), int32(1))
	assertNoWorkspacesLeft(t, root)
}

func TestRunBatch_SequentialByDefault(t *testing.T) {
	parent := t.TempDir()
	subs := []model.Submission{
		newSubmission(t, parent, "a", map[string]string{"a.py": "a"}),
		newSubmission(t, parent, "b", map[string]string{"a.py": "b"}),
		newSubmission(t, parent, "c", map[string]string{"a.py": "c"}),
	}

	exec := &fakeExecutor{delay: 10 * time.Millisecond}
	c, _ := newTestCoordinator(t, exec)
	c.RunBatch(context.Background(), subs, "")

	assert.Equal(t, int32(1), exec.peak.Load())
}

func TestResolveCodeFile(t *testing.T) {
	t.Run("first match in name order", func(t *testing.T) {
		dir := t.TempDir()
		for _, fn := range []string{"zeta.py", "alpha.py", "readme.md"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, fn), nil, 0o644))
		}
		got, err := ResolveCodeFile(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "alpha.py"), got)
	})

	t.Run("directory with source extension is skipped", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "a.py"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.py"), nil, 0o644))
		got, err := ResolveCodeFile(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "b.py"), got)
	})

	t.Run("no match", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), nil, 0o644))
		_, err := ResolveCodeFile(dir)
		assert.True(t, errors.Is(err, apperror.ErrResolution))
		assert.Equal(t, "No Python file (.py) found in folder: "+dir, err.Error())
	})

	t.Run("missing folder", func(t *testing.T) {
		_, err := ResolveCodeFile(filepath.Join(t.TempDir(), "gone"))
		assert.True(t, errors.Is(err, apperror.ErrResolution))
	})

	t.Run("other languages are not submissions", func(t *testing.T) {
		dir := t.TempDir()
		for _, fn := range []string{"main.go", "index.js", "Main.java"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, fn), nil, 0o644))
		}
		_, err := ResolveCodeFile(dir)
		assert.True(t, errors.Is(err, apperror.ErrResolution))
	})
}
