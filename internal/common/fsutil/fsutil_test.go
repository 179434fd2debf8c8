package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	if err := WriteFileAtomic(path, []byte("first"), 0644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), 0644); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("expected 'second', got %q", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 file, found %d", len(entries))
	}
}

func TestConfigHomeOverride(t *testing.T) {
	t.Setenv("RALPH_TUI_CONFIG_HOME", "/custom/home")
	home, err := ConfigHome()
	if err != nil {
		t.Fatalf("ConfigHome failed: %v", err)
	}
	if home != "/custom/home" {
		t.Errorf("expected override, got %q", home)
	}
}

func TestConfigHomeXDG(t *testing.T) {
	t.Setenv("RALPH_TUI_CONFIG_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	home, err := ConfigHome()
	if err != nil {
		t.Fatalf("ConfigHome failed: %v", err)
	}
	if home != filepath.Join("/xdg", "ralph-tui") {
		t.Errorf("unexpected home %q", home)
	}
}
