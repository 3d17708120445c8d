// Package db opens the workspace run history, a SQLite file under
// <workspace>/.carryover.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	historyDir  = ".carryover"
	historyFile = "carryover.db"

	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Workspace string
	// BusyTimeout bounds how long a writer waits on a locked history.
	// Zero means five seconds.
	BusyTimeout time.Duration
}

func workspaceOrDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

// Dir returns the run history directory of workspace.
func Dir(workspace string) string {
	return filepath.Join(workspaceOrDot(workspace), historyDir)
}

// Path returns the run history file of workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), historyFile)
}

// EnsureWorkspace creates the run history directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := Dir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run history dir: %w", err)
	}
	return dir, nil
}

// Exists reports whether a run history file has been created for workspace.
func Exists(workspace string) (bool, error) {
	_, err := os.Stat(Path(workspace))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Open opens the run history with foreign keys on, creating it when missing.
// The connection is pinged so an unusable path fails here.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	path := Path(cfg.Workspace)
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open run history %s: %w", path, err)
	}
	return conn, nil
}
