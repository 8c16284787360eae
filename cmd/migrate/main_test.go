package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"002_add_indexes.up.sql",
		"001_create_schema.up.sql",
		"002_add_indexes.down.sql",
		"001_create_schema.down.sql",
		"notes.txt",
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("-- sql"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	up, err := migrationFiles(dir, "up")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantUp := []string{"001_create_schema.up.sql", "002_add_indexes.up.sql"}
	if len(up) != len(wantUp) {
		t.Fatalf("up migrations = %v, want %v", up, wantUp)
	}
	for i, want := range wantUp {
		if filepath.Base(up[i]) != want {
			t.Errorf("up[%d] = %s, want %s", i, filepath.Base(up[i]), want)
		}
	}

	down, err := migrationFiles(dir, "down")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantDown := []string{"002_add_indexes.down.sql", "001_create_schema.down.sql"}
	if len(down) != len(wantDown) {
		t.Fatalf("down migrations = %v, want %v", down, wantDown)
	}
	for i, want := range wantDown {
		if filepath.Base(down[i]) != want {
			t.Errorf("down[%d] = %s, want %s", i, filepath.Base(down[i]), want)
		}
	}
}

func TestMigrationFiles_EmptyDir(t *testing.T) {
	files, err := migrationFiles(t.TempDir(), "up")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no migrations, got %v", files)
	}
}
