// Package persist stores the group-module mapping as JSON at every canonical
// path and loads it back with deterministic precedence.
package persist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/iceplant/mrbac/internal/mapping"
)

// DefaultPaths lists the canonical persistence paths in load precedence order.
var DefaultPaths = []string{
	"./module_permissions.json",
	"./iceplant_portal/module_permissions.json",
	"./iceplant_portal/iceplant_core/module_permissions.json",
}

// ParsePaths splits a colon separated path list, dropping blanks. It returns
// DefaultPaths when raw holds no path.
func ParsePaths(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ":") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultPaths...)
	}
	return out
}

// PathError records a failure at a single canonical path.
type PathError struct {
	Path string
	Err  error
}

func (e PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e PathError) Unwrap() error {
	return e.Err
}

// LoadResult describes the outcome of Load.
type LoadResult struct {
	Table   mapping.Table
	Source  string
	Skipped []PathError
	Dropped []string
}

// SaveResult describes the outcome of Save.
type SaveResult struct {
	OK      bool
	Written []string
	Failed  []PathError
}

// Err summarises the failure of a save that wrote nowhere.
func (r SaveResult) Err() error {
	if r.OK {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	if len(errs) == 0 {
		return errors.New("persist: no canonical paths configured")
	}
	return fmt.Errorf("persist: no canonical path writable: %w", errors.Join(errs...))
}

// FileStore reads and writes the mapping at a fixed list of paths.
type FileStore struct {
	fs     afero.Fs
	paths  []string
	known  func(string) bool
	logger *slog.Logger
}

// Option customises a FileStore.
type Option func(*FileStore)

// WithFs swaps the filesystem, mainly for tests.
func WithFs(fsys afero.Fs) Option {
	return func(s *FileStore) { s.fs = fsys }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FileStore) { s.logger = logger }
}

// NewFileStore builds a store over paths. known filters module keys on load.
func NewFileStore(paths []string, known func(string) bool, opts ...Option) *FileStore {
	s := &FileStore{
		fs:     afero.NewOsFs(),
		paths:  append([]string(nil), paths...),
		known:  known,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Paths returns the canonical paths in precedence order.
func (s *FileStore) Paths() []string {
	return append([]string(nil), s.paths...)
}

// Load returns the mapping from the first path holding a valid document.
// When no path is readable the result holds an empty table and no error.
func (s *FileStore) Load(ctx context.Context) (LoadResult, error) {
	var result LoadResult
	for _, path := range s.paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("persist: read mapping", slog.String("path", path), slog.Any("error", err))
			}
			result.Skipped = append(result.Skipped, PathError{Path: path, Err: err})
			continue
		}
		raw, err := Decode(data)
		if err != nil {
			s.logger.Warn("persist: skip corrupt mapping", slog.String("path", path), slog.Any("error", err))
			result.Skipped = append(result.Skipped, PathError{Path: path, Err: err})
			continue
		}
		table, dropped := mapping.FromSnapshot(raw, s.known)
		if len(dropped) > 0 {
			s.logger.Warn("persist: dropped unknown modules", slog.String("path", path), slog.Any("modules", dropped))
		}
		result.Table = table
		result.Source = path
		result.Dropped = dropped
		return result, nil
	}
	s.logger.Info("persist: no readable mapping, starting empty", slog.Int("paths", len(s.paths)))
	return result, nil
}

// Save writes the table to every canonical path. A failure at one path does
// not stop the others; the save succeeds when at least one path was written.
func (s *FileStore) Save(ctx context.Context, table mapping.Table) SaveResult {
	data := Encode(table)
	var result SaveResult
	for _, path := range s.paths {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, PathError{Path: path, Err: err})
			continue
		}
		if err := s.writeAtomic(path, data); err != nil {
			s.logger.Error("persist: write mapping", slog.String("path", path), slog.Any("error", err))
			result.Failed = append(result.Failed, PathError{Path: path, Err: err})
			continue
		}
		result.Written = append(result.Written, path)
	}
	result.OK = len(result.Written) > 0
	return result
}

func (s *FileStore) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := s.fs.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
