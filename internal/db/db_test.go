package db

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCreatesRunHistory(t *testing.T) {
	workspace := t.TempDir()
	ok, err := Exists(workspace)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected no run history before open")
	}

	conn, err := Open(Config{Workspace: workspace, BusyTimeout: 250 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if ok, err := Exists(workspace); err != nil || !ok {
		t.Fatalf("expected run history after open, got %v %v", ok, err)
	}
	if got, want := Path(workspace), filepath.Join(workspace, ".carryover", "carryover.db"); got != want {
		t.Fatalf("expected path %s, got %s", want, got)
	}

	var busy, fk int
	if err := conn.QueryRow(`PRAGMA busy_timeout`).Scan(&busy); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if busy != 250 {
		t.Fatalf("expected busy_timeout 250, got %d", busy)
	}
	if err := conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("expected foreign keys on, got %d", fk)
	}
}

func TestDirDefaultsToCurrentDirectory(t *testing.T) {
	if got := Dir(""); got != ".carryover" {
		t.Fatalf("expected .carryover, got %s", got)
	}
}
