package staging

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chunkrelay/chunkrelay/internal/config"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     config.StagingConfig
		wantErr bool
	}{
		{"local", config.StagingConfig{Backend: "local", Local: config.LocalConfig{RootDir: filepath.Join(dir, "chunks")}}, false},
		{"sqlite", config.StagingConfig{Backend: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "db", "chunks.db")}}, false},
		{"memory", config.StagingConfig{Backend: "memory"}, false},
		{"unknown", config.StagingConfig{Backend: "tape"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeFn, err := Open(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Open() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			defer closeFn()
			if err := store.HealthCheck(context.Background()); err != nil {
				t.Errorf("HealthCheck() error: %v", err)
			}
		})
	}
}

func TestOpenArtifacts(t *testing.T) {
	store, err := OpenArtifacts(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("OpenArtifacts() error: %v", err)
	}
	arts, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(arts) != 0 {
		t.Errorf("List() = %d artifacts, want 0", len(arts))
	}
}
