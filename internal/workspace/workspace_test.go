package workspace

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/submission-runner/internal/apperror"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(filepath.Join(t.TempDir(), "temp_submissions"), logger)
}

func TestAcquire_Layout(t *testing.T) {
	mgr := newTestManager(t)

	ws, err := mgr.Acquire("alice")
	require.NoError(t, err)
	defer mgr.Release(ws)

	assert.DirExists(t, ws.Root)
	assert.True(t, strings.HasPrefix(filepath.Base(ws.Root), "submission_alice_"))
	assert.Equal(t, filepath.Join(ws.Root, "user_code.py"), ws.CodeFile)
	assert.Equal(t, filepath.Join(ws.Root, "input.txt"), ws.InputFile)
	assert.Equal(t, filepath.Join(ws.Root, "output.txt"), ws.OutputFile)
}

func TestAcquire_UnnamedSingleRun(t *testing.T) {
	mgr := newTestManager(t)

	ws, err := mgr.Acquire("")
	require.NoError(t, err)
	defer mgr.Release(ws)

	base := filepath.Base(ws.Root)
	assert.True(t, strings.HasPrefix(base, "submission_"))
	assert.Equal(t, 1, strings.Count(base, "_"), "single runs have no display name segment")
}

func TestAcquire_SanitizesName(t *testing.T) {
	mgr := newTestManager(t)

	ws, err := mgr.Acquire("../../etc")
	require.NoError(t, err)
	defer mgr.Release(ws)

	assert.Equal(t, mgr.Root(), filepath.Dir(ws.Root), "workspace must stay inside the temp root")
}

// Workspaces for the same submission, acquired concurrently, never alias.
func TestAcquire_PairwiseDistinct(t *testing.T) {
	mgr := newTestManager(t)

	const n = 64
	roots := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := mgr.Acquire("same")
			if assert.NoError(t, err) {
				roots[i] = ws.Root
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, root := range roots {
		require.NotEmpty(t, root)
		assert.False(t, seen[root], "duplicate workspace root %s", root)
		seen[root] = true
	}
}

func TestAcquire_RootNotWritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := NewManager(filepath.Join(blocker, "temp"), logger)

	_, err := mgr.Acquire("alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrWorkspace))
}

func TestMaterializeAndRelease(t *testing.T) {
	mgr := newTestManager(t)

	src := filepath.Join(t.TempDir(), "main.py")
	require.NoError(t, os.WriteFile(src, []byte("print(input())"), 0o644))

	ws, err := mgr.Acquire("bob")
	require.NoError(t, err)
	require.NoError(t, ws.CopyCode(src))
	require.NoError(t, ws.WriteInput("42\n"))

	code, err := os.ReadFile(ws.CodeFile)
	require.NoError(t, err)
	assert.Equal(t, "print(input())", string(code))

	input, err := os.ReadFile(ws.InputFile)
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(input))

	mgr.Release(ws)
	assert.NoDirExists(t, ws.Root)

	// A second release of the same workspace is harmless.
	mgr.Release(ws)
	mgr.Release(nil)
}

func TestCopyCode_MissingSource(t *testing.T) {
	mgr := newTestManager(t)

	ws, err := mgr.Acquire("carol")
	require.NoError(t, err)
	defer mgr.Release(ws)

	err = ws.CopyCode(filepath.Join(t.TempDir(), "missing.py"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrWorkspace))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSweep(t *testing.T) {
	mgr := newTestManager(t)

	stale, err := mgr.Acquire("stale")
	require.NoError(t, err)
	fresh, err := mgr.Acquire("fresh")
	require.NoError(t, err)
	defer mgr.Release(fresh)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Root, old, old))

	other := filepath.Join(mgr.Root(), "keep-me")
	require.NoError(t, os.Mkdir(other, 0o755))

	removed, err := mgr.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, stale.Root)
	assert.DirExists(t, fresh.Root)
	assert.DirExists(t, other)
}

func TestSweep_MissingRoot(t *testing.T) {
	mgr := newTestManager(t)

	removed, err := mgr.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
