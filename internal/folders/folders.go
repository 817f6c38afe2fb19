// Package folders discovers submission folders under a parent directory.
package folders

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sakif/submission-runner/internal/apperror"
)

// List returns the absolute paths of the immediate subdirectories of parent,
// sorted by name. Hidden entries (leading dot) are skipped. Symlinks to
// directories are included.
func List(parent string) ([]string, error) {
	if strings.TrimSpace(parent) == "" {
		return nil, apperror.ValidationFailed("parent", "Parent folder is required")
	}

	abs, err := filepath.Abs(parent)
	if err != nil {
		return nil, apperror.ValidationFailed("parent", "Invalid parent folder: "+err.Error())
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperror.NotFound("folder", abs)
		}
		return nil, apperror.ValidationFailed("parent", "Failed to read folder "+abs+": "+err.Error())
	}

	var dirs []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(abs, entry.Name())
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			continue
		}
		dirs = append(dirs, path)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Confine resolves path against root and returns its cleaned form, or a
// validation error naming field when the path leaves root once symlinks are
// followed. Relative paths are taken relative to root. The path itself need
// not exist.
func Confine(root, path, field string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", apperror.ValidationFailed(field, "Path is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("folders: resolving root %s: %w", root, err)
	}
	realRoot, err := resolve(rootAbs)
	if err != nil {
		return "", fmt.Errorf("folders: resolving root %s: %w", root, err)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(rootAbs, path)
	}
	path = filepath.Clean(path)

	real, err := resolve(path)
	if err != nil {
		return "", apperror.ValidationFailed(field, "Invalid path "+path+": "+err.Error())
	}
	rel, err := filepath.Rel(realRoot, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperror.ValidationFailed(field, "Path is outside the submissions root: "+path)
	}
	return path, nil
}

// resolve follows symlinks in path. For a path that does not exist yet, the
// deepest existing ancestor is resolved and the rest is appended unchanged.
func resolve(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		return real, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	realParent, err := resolve(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, filepath.Base(path)), nil
}
