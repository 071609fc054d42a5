// Package workspace implements the path-confined filesystem that backs the
// workbench API. Every caller-supplied path is resolved against a single root
// directory and rejected before any I/O if it would escape that root.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrAccessDenied is returned when a path resolves outside the workspace root.
var ErrAccessDenied = errors.New("access denied: path is outside the workspace")

// FS is the subset of filesystem calls the workspace performs. Tests swap it
// out to observe (or forbid) I/O.
type FS interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	MkdirAll(path string, perm fs.FileMode) error
	ReadDir(name string) ([]fs.DirEntry, error)
	Stat(name string) (fs.FileInfo, error)
	Remove(name string) error
	RemoveAll(path string) error
}

type osFS struct{}

func (osFS) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }
func (osFS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (osFS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }
func (osFS) ReadDir(name string) ([]fs.DirEntry, error)   { return os.ReadDir(name) }
func (osFS) Stat(name string) (fs.FileInfo, error)        { return os.Stat(name) }
func (osFS) Remove(name string) error                     { return os.Remove(name) }
func (osFS) RemoveAll(path string) error                  { return os.RemoveAll(path) }

// OS returns the FS backed by the host filesystem.
func OS() FS { return osFS{} }

// Workspace is a directory tree that all file and command operations are
// confined to.
type Workspace struct {
	root string
	fs   FS
}

// New creates the workspace root (with parents, idempotently) and returns a
// Workspace backed by the host filesystem.
func New(root string) (*Workspace, error) {
	return NewWithFS(root, osFS{})
}

// NewWithFS is New with an explicit FS implementation.
func NewWithFS(root string, fsys FS) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root %q: %w", root, err)
	}
	if err := fsys.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root %s: %w", abs, err)
	}
	return &Workspace{root: abs, fs: fsys}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a workspace-relative path to an absolute path inside the root.
// "", "." and "/" all resolve to the root itself. Leading separators do not
// make a path absolute: "/etc" resolves to <root>/etc.
func (w *Workspace) Resolve(rel string) (string, error) {
	resolved := filepath.Join(w.root, filepath.FromSlash(rel))
	if !Contains(w.root, resolved) {
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, rel)
	}
	return resolved, nil
}

// Rel returns the workspace-relative, slash-separated form of an absolute path
// inside the root.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// Contains reports whether path is root or a descendant of it. Both arguments
// must be clean absolute paths. The check is separator-aware so that
// "/workspace2" is not inside "/workspace".
func Contains(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
