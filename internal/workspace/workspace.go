// Package workspace manages the per-run temporary directories that hold a
// submission's code, the shared input and the container's output file.
//
// LIFECYCLE:
// Every run owns exactly one workspace:
//
//	ws, err := mgr.Acquire("alice")   // submission_alice_<uuid>/
//	if err != nil { ... }
//	defer mgr.Release(ws)              // always removed, success or not
//
// Release never fails the caller: by the time it runs the caller already has
// its result or error, and a leftover directory is only logged. Sweep removes
// anything a crashed process left behind.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/submission-runner/internal/apperror"
)

const (
	dirPrefix = "submission_"

	CodeFileName   = "user_code.py"
	InputFileName  = "input.txt"
	OutputFileName = "output.txt"
)

// Workspace is one run's isolated directory and the three files inside it.
type Workspace struct {
	Root       string
	CodeFile   string
	InputFile  string
	OutputFile string
}

// Manager creates and removes workspaces under a single root directory.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager returns a Manager rooted at root. The directory is created
// lazily by Acquire.
func NewManager(root string, logger *slog.Logger) *Manager {
	return &Manager{root: root, logger: logger}
}

// Root returns the directory all workspaces are created under.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a fresh, uniquely named workspace. An empty name produces
// submission_<uuid>; otherwise submission_<name>_<uuid>.
func (m *Manager) Acquire(name string) (*Workspace, error) {
	dirName := dirPrefix + uuid.NewString()
	if name = sanitize(name); name != "" {
		dirName = dirPrefix + name + "_" + uuid.NewString()
	}
	root := filepath.Join(m.root, dirName)

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, apperror.Workspace("create temp root", err)
	}
	// Mkdir (not MkdirAll) so an existing directory is an error, never shared.
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, apperror.Workspace("create temp dir", err)
	}

	ws := &Workspace{
		Root:       root,
		CodeFile:   filepath.Join(root, CodeFileName),
		InputFile:  filepath.Join(root, InputFileName),
		OutputFile: filepath.Join(root, OutputFileName),
	}
	m.logger.Debug("workspace acquired", slog.String("root", root))
	return ws, nil
}

// Release removes the workspace directory tree. Failures are logged and
// swallowed.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil {
		return
	}
	if err := os.RemoveAll(ws.Root); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("failed to remove workspace",
			slog.String("root", ws.Root),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Debug("workspace released", slog.String("root", ws.Root))
}

// Sweep removes workspace directories older than maxAge that a previous
// process failed to release. It returns how many were removed.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("workspace: reading temp root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("failed to sweep stale workspace",
				slog.String("root", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("swept stale workspaces", slog.Int("count", removed))
	}
	return removed, nil
}

// WriteCode writes code content into the workspace code file.
func (ws *Workspace) WriteCode(content string) error {
	if err := os.WriteFile(ws.CodeFile, []byte(content), 0o644); err != nil {
		return apperror.Workspace("write code file", err)
	}
	return nil
}

// CopyCode copies the file at src into the workspace code file.
func (ws *Workspace) CopyCode(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return apperror.Workspace("copy code file "+src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(ws.CodeFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperror.Workspace("copy code file "+src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return apperror.Workspace("copy code file "+src, err)
	}
	if err := out.Close(); err != nil {
		return apperror.Workspace("copy code file "+src, err)
	}
	return nil
}

// WriteInput writes the shared input content into the workspace input file.
func (ws *Workspace) WriteInput(content string) error {
	if err := os.WriteFile(ws.InputFile, []byte(content), 0o644); err != nil {
		return apperror.Workspace("write input file", err)
	}
	return nil
}

// sanitize keeps a display name usable as one path segment.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}
