package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateClientID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateClientID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateClientID() error = %v", err)
	}
	if !strings.HasPrefix(id, "envlink-") {
		t.Errorf("id = %q, want envlink- prefix", id)
	}
	if len(id) > 23 {
		t.Errorf("id %q is %d characters, want at most 23", id, len(id))
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(string(data)), strings.TrimPrefix(id, "envlink-")) {
		t.Errorf("persisted %q does not back id %q", data, id)
	}
}

func TestLoadOrCreateClientID_Stable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateClientID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateClientID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestLoadOrCreateClientID_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instance_id")
	if err := os.WriteFile(path, []byte("not-a-uuid\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreateClientID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateClientID() error = %v", err)
	}
	if id == "envlink-" || strings.Contains(id, "uuid") {
		t.Errorf("id = %q, want one derived from a fresh UUID", id)
	}
}

func TestLoadOrCreateClientID_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	if _, err := LoadOrCreateClientID(dir); err != nil {
		t.Fatalf("LoadOrCreateClientID() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "instance_id")); err != nil {
		t.Errorf("instance_id not created: %v", err)
	}
}
