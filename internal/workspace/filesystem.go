package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/opensandbox/workbench/pkg/types"
)

// ReadFile returns the full text content of a file.
func (w *Workspace) ReadFile(rel string) (string, error) {
	path, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := w.fs.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

// WriteFile creates any missing parent directories, then writes content,
// replacing whatever was there.
func (w *Workspace) WriteFile(rel, content string) error {
	path, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if path == w.root {
		return fmt.Errorf("write %s: path is the workspace root", rel)
	}

	dir := filepath.Dir(path)
	if err := w.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.Rel(dir), err)
	}
	if err := w.fs.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// ListDir lists the immediate children of a directory.
func (w *Workspace) ListDir(rel string) ([]types.EntryInfo, error) {
	path, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := w.fs.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", rel, err)
	}

	result := make([]types.EntryInfo, 0, len(entries))
	for _, e := range entries {
		entry := types.EntryInfo{
			Name:        e.Name(),
			IsDirectory: e.IsDir(),
		}
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		result = append(result, entry)
	}
	return result, nil
}

// MakeDir creates a directory and any missing parents. Creating a directory
// that already exists is not an error.
func (w *Workspace) MakeDir(rel string) error {
	path, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := w.fs.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", rel, err)
	}
	return nil
}

// Remove deletes a file or a directory tree. Directories are removed
// recursively with force semantics; a single missing file is an error. A path
// with a trailing separator is addressed as a directory, so its absence is
// not an error either.
func (w *Workspace) Remove(rel string) error {
	path, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if path == w.root {
		return fmt.Errorf("%w: refusing to remove the workspace root", ErrAccessDenied)
	}

	asDir := strings.HasSuffix(rel, "/") || strings.HasSuffix(rel, string(filepath.Separator))

	info, err := w.fs.Stat(path)
	if err != nil {
		if asDir && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", rel, err)
	}

	if info.IsDir() {
		if err := w.fs.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
		return nil
	}
	if asDir {
		return fmt.Errorf("remove %s: not a directory", rel)
	}
	if err := w.fs.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}

// Stat returns metadata for a path.
func (w *Workspace) Stat(rel string) (*types.FileInfo, error) {
	path, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := w.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	return &types.FileInfo{
		Name:        info.Name(),
		IsDirectory: info.IsDir(),
		Size:        info.Size(),
		Mode:        info.Mode().String(),
		ModTime:     info.ModTime().UTC().Format(time.RFC3339),
	}, nil
}

// Exists reports whether a path exists. Paths outside the root never exist.
func (w *Workspace) Exists(rel string) bool {
	path, err := w.Resolve(rel)
	if err != nil {
		return false
	}
	_, err = w.fs.Stat(path)
	return err == nil
}

// Dir resolves rel and checks that it is an existing directory. It is used to
// validate the working directory of a command before anything is spawned.
func (w *Workspace) Dir(rel string) (string, error) {
	path, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := w.fs.Stat(path)
	if err != nil {
		return "", fmt.Errorf("working directory %s: %w", rel, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s: not a directory", rel)
	}
	return path, nil
}
