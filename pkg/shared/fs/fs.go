// Package fs confines artifact file access to operator-controlled directories.
// Every operation validates its path against the configured roots before it
// touches the underlying afero filesystem, so the same code runs against the
// OS filesystem in production and an in-memory one in tests.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// ErrOutsideRoot is returned for paths that escape every allowed root
var ErrOutsideRoot = errors.New("path is outside the allowed directories")

// Sandbox is a filesystem view limited to a set of root directories
type Sandbox struct {
	fs    afero.Fs
	roots []string
}

// New creates a sandbox over fsys. Relative paths resolve against the first root.
func New(fsys afero.Fs, roots ...string) *Sandbox {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(r))
	}
	return &Sandbox{fs: fsys, roots: cleaned}
}

// Fs returns the underlying filesystem
func (s *Sandbox) Fs() afero.Fs {
	return s.fs
}

// IsOS reports whether the sandbox is backed by the real OS filesystem
func (s *Sandbox) IsOS() bool {
	_, ok := s.fs.(*afero.OsFs)
	return ok
}

// Resolve validates p and returns its cleaned absolute form
func (s *Sandbox) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if len(s.roots) == 0 {
		return "", ErrOutsideRoot
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("invalid path %q", p)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.roots[0], p)
	}
	p = filepath.Clean(p)
	for _, root := range s.roots {
		if p == root {
			return p, nil
		}
		if strings.HasPrefix(p, root+string(filepath.Separator)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
}

// Join resolves name inside root, which must itself be an allowed root
func (s *Sandbox) Join(root, name string) (string, error) {
	if filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return s.Resolve(filepath.Join(root, name))
}

// MkdirAll creates every root directory
func (s *Sandbox) MkdirAll() error {
	for _, root := range s.roots {
		if err := s.fs.MkdirAll(root, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", root, err)
		}
	}
	return nil
}

func (s *Sandbox) Open(p string) (afero.File, error) {
	resolved, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	return s.fs.Open(resolved)
}

func (s *Sandbox) OpenFile(p string, flag int, perm os.FileMode) (afero.File, error) {
	resolved, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	return s.fs.OpenFile(resolved, flag, perm)
}

func (s *Sandbox) Create(p string) (afero.File, error) {
	return s.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
}

func (s *Sandbox) Stat(p string) (os.FileInfo, error) {
	resolved, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	return s.fs.Stat(resolved)
}

// Exists reports whether p exists. Validation errors count as absent.
func (s *Sandbox) Exists(p string) bool {
	_, err := s.Stat(p)
	return err == nil
}

// ModTime returns the modification time of p
func (s *Sandbox) ModTime(p string) (time.Time, error) {
	info, err := s.Stat(p)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (s *Sandbox) Chmod(p string, mode os.FileMode) error {
	resolved, err := s.Resolve(p)
	if err != nil {
		return err
	}
	return s.fs.Chmod(resolved, mode)
}

// Remove deletes p; a missing file is not an error
func (s *Sandbox) Remove(p string) error {
	resolved, err := s.Resolve(p)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(resolved); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Sandbox) ReadFile(p string) ([]byte, error) {
	resolved, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, resolved)
}

func (s *Sandbox) WriteFile(p string, data []byte, perm os.FileMode) error {
	resolved, err := s.Resolve(p)
	if err != nil {
		return err
	}
	return afero.WriteFile(s.fs, resolved, data, perm)
}

// ReadDir lists the directory p
func (s *Sandbox) ReadDir(p string) ([]os.FileInfo, error) {
	resolved, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	return afero.ReadDir(s.fs, resolved)
}

// Rename moves oldpath to newpath; both must lie inside the sandbox
func (s *Sandbox) Rename(oldpath, newpath string) error {
	from, err := s.Resolve(oldpath)
	if err != nil {
		return err
	}
	to, err := s.Resolve(newpath)
	if err != nil {
		return err
	}
	return s.fs.Rename(from, to)
}
