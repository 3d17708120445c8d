package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"carryover/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,actor_id,timebox,COALESCE(parent,''),COALESCE(scope,''),dry_run,succeeded,failed,skipped,summary,started_at,finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var dry int
	err := row.Scan(&r.ID, &r.ActorID, &r.Timebox, &r.Parent, &r.Scope, &dry, &r.Succeeded, &r.Failed, &r.Skipped, &r.Summary, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	r.DryRun = dry != 0
	return r, err
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,actor_id,timebox,parent,scope,dry_run,succeeded,failed,skipped,summary,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ActorID, run.Timebox, nullable(run.Parent), nullable(run.Scope), boolInt(run.DryRun),
		run.Succeeded, run.Failed, run.Skipped, run.Summary, run.StartedAt, run.FinishedAt)
	return err
}

func (r Repo) InsertRunItem(ctx context.Context, tx *sql.Tx, it domain.RunItem) error {
	var warnings any
	if len(it.Warnings) > 0 {
		data, err := json.Marshal(it.Warnings)
		if err != nil {
			return fmt.Errorf("marshal warnings: %w", err)
		}
		warnings = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO run_items(run_id,seq,source,name,status,reason,detail,created,closed,tasks_succeeded,tasks_failed,warnings_json) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.RunID, it.Seq, it.Source, nullable(it.Name), it.Status, nullable(it.Reason), nullable(it.Detail),
		nullable(it.Created), boolInt(it.Closed), it.TasksSucceeded, it.TasksFailed, warnings)
	return err
}

// RunFilters narrows ListRuns. Cursor fields page backwards from a run.
type RunFilters struct {
	Timebox         string
	ActorID         string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

// ListRuns returns runs newest first.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Timebox != "" {
		clauses = append(clauses, "timebox=?")
		args = append(args, f.Timebox)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ListRunItems returns a run's items in selection order.
func (r Repo) ListRunItems(ctx context.Context, runID string) ([]domain.RunItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,seq,source,COALESCE(name,''),status,COALESCE(reason,''),COALESCE(detail,''),COALESCE(created,''),closed,tasks_succeeded,tasks_failed,warnings_json FROM run_items WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunItem
	for rows.Next() {
		var it domain.RunItem
		var closed int
		var warnings sql.NullString
		if err := rows.Scan(&it.RunID, &it.Seq, &it.Source, &it.Name, &it.Status, &it.Reason, &it.Detail, &it.Created, &closed, &it.TasksSucceeded, &it.TasksFailed, &warnings); err != nil {
			return nil, err
		}
		it.Closed = closed != 0
		if warnings.Valid && warnings.String != "" {
			if err := json.Unmarshal([]byte(warnings.String), &it.Warnings); err != nil {
				return nil, fmt.Errorf("decode warnings of %s/%d: %w", it.RunID, it.Seq, err)
			}
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// EventFilters narrows event listings. Empty fields match everything.
type EventFilters struct {
	RunID      string
	Type       string
	EntityKind string
	EntityID   string
}

func (f EventFilters) where() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return clauses, args
}

// LatestEvents returns up to limit events newest first, below cursor when set.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.where()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.where()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, or 0 when there are none.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
