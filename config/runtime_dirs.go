package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRuntimeDir is the production runtime root.
const DefaultRuntimeDir = "/run/pvio"

// RuntimeDirs holds the runtime paths used by the journal:
//
//	{base}/              - runtime root
//	{base}/db/           - journal database directory
//	{base}/.lock         - journal writer lock
//
// RuntimeDirs is immutable after construction. Use NewRuntimeDirs to create.
type RuntimeDirs struct {
	base string
	db   string
	lock string
}

// DefaultRuntimeDirs returns RuntimeDirs rooted at DefaultRuntimeDir.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeDir)
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs creates RuntimeDirs rooted at the given base path.
// Returns an error if base is empty or not an absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base: base,
		db:   filepath.Join(base, "db"),
		lock: filepath.Join(base, ".lock"),
	}, nil
}

// Base returns the runtime root path (e.g., /run/pvio).
func (d RuntimeDirs) Base() string { return d.base }

// DB returns the database directory path.
func (d RuntimeDirs) DB() string { return d.db }

// Lock returns the journal writer lock file path.
func (d RuntimeDirs) Lock() string { return d.lock }

// DBPath returns the full path to the SQLite journal.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "journal.db")
}

// EnsureDirectories creates the runtime root and database directory.
// MkdirAll is idempotent.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
