package config_test

import (
	"os"
	"testing"

	"github.com/frobware/go-pvio/config"
)

func TestNewRuntimeDirs(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		db     string
		lock   string
		dbPath string
	}{
		{
			name:   "production default",
			base:   "/run/pvio",
			db:     "/run/pvio/db",
			lock:   "/run/pvio/.lock",
			dbPath: "/run/pvio/db/journal.db",
		},
		{
			name:   "trailing slash is cleaned",
			base:   "/tmp/pvio-test-12345/",
			db:     "/tmp/pvio-test-12345/db",
			lock:   "/tmp/pvio-test-12345/.lock",
			dbPath: "/tmp/pvio-test-12345/db/journal.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := config.NewRuntimeDirs(tt.base)
			if err != nil {
				t.Fatalf("NewRuntimeDirs(%q): %v", tt.base, err)
			}
			if d.DB() != tt.db {
				t.Errorf("DB() = %q, want %q", d.DB(), tt.db)
			}
			if d.Lock() != tt.lock {
				t.Errorf("Lock() = %q, want %q", d.Lock(), tt.lock)
			}
			if d.DBPath() != tt.dbPath {
				t.Errorf("DBPath() = %q, want %q", d.DBPath(), tt.dbPath)
			}
		})
	}
}

func TestNewRuntimeDirs_Rejects(t *testing.T) {
	for _, base := range []string{"", "run/pvio"} {
		if _, err := config.NewRuntimeDirs(base); err == nil {
			t.Errorf("NewRuntimeDirs(%q) succeeded, want error", base)
		}
	}
}

func TestDefaultRuntimeDirs(t *testing.T) {
	d := config.DefaultRuntimeDirs()
	if d.Base() != "/run/pvio" {
		t.Errorf("DefaultRuntimeDirs().Base() = %q, want /run/pvio", d.Base())
	}
}

func TestEnsureDirectories_CreatesDirs(t *testing.T) {
	d, err := config.NewRuntimeDirs(t.TempDir() + "/pvio")
	if err != nil {
		t.Fatal(err)
	}

	if err := d.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	// Idempotent.
	if err := d.EnsureDirectories(); err != nil {
		t.Fatalf("second EnsureDirectories: %v", err)
	}

	for _, dir := range []string{d.Base(), d.DB()} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("directory %s was not created", dir)
		}
	}
}
