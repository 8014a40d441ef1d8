package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/experimentstash/stash/pkg/api"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed run and snapshot history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("not found")

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the CLI never needs more.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	for _, name := range names {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, name).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if n > 0 {
			continue
		}
		schema, err := migrationFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records a run as running and assigns its id.
func (s *Store) BeginRun(ctx context.Context, r api.RunRecord) (api.RunRecord, error) {
	r.ID = ulid.Make().String()
	r.Status = api.RunRunning
	r.StartedAt = s.now().UTC()
	overrides, err := encodeList(r.Overrides)
	if err != nil {
		return r, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tool, experiment_id, overrides, validate_only, status, exit_code, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		r.ID, r.Tool, r.ExperimentID, overrides, boolInt(r.ValidateOnly), string(r.Status), formatTime(r.StartedAt))
	if err != nil {
		return r, fmt.Errorf("record run: %w", err)
	}
	return r, nil
}

// FinishRun stores the final status and exit code of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status api.RunStatus, exitCode int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		string(status), exitCode, formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	return nil
}

// Run returns one run by id.
func (s *Store) Run(ctx context.Context, id string) (api.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, runColumns+` WHERE id = ?`, id)
	if err != nil {
		return api.RunRecord{}, err
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return api.RunRecord{}, err
	}
	if len(runs) == 0 {
		return api.RunRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return runs[0], nil
}

// RecentRuns lists the newest runs first, optionally for one tool.
func (s *Store) RecentRuns(ctx context.Context, tool string, limit int) ([]api.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := runColumns
	args := []any{}
	if tool != "" {
		query += ` WHERE tool = ?`
		args = append(args, tool)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return scanRuns(rows)
}

const runColumns = `SELECT id, tool, experiment_id, overrides, validate_only, status, exit_code, started_at, finished_at FROM runs`

func scanRuns(rows *sql.Rows) ([]api.RunRecord, error) {
	defer rows.Close()
	var out []api.RunRecord
	for rows.Next() {
		var r api.RunRecord
		var overrides, status, started string
		var finished sql.NullString
		var validateOnly int
		if err := rows.Scan(&r.ID, &r.Tool, &r.ExperimentID, &overrides, &validateOnly, &status, &r.ExitCode, &started, &finished); err != nil {
			return nil, err
		}
		r.Status = api.RunStatus(status)
		r.ValidateOnly = validateOnly != 0
		r.StartedAt = parseTime(started)
		if finished.Valid {
			r.FinishedAt = parseTime(finished.String)
		}
		if err := json.Unmarshal([]byte(overrides), &r.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides of run %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordSnapshot stores the provenance of a freshly written snapshot.
func (s *Store) RecordSnapshot(ctx context.Context, snap api.Snapshot) error {
	overrides, err := encodeList(snap.Overrides)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (tool, tag, experiment_id, tool_commit, path, digest, overrides, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Tool, snap.Tag, snap.ExperimentID, snap.ToolCommit, snap.Path, snap.Digest, overrides, formatTime(snap.Timestamp.UTC()))
	if err != nil {
		return fmt.Errorf("record snapshot %s/%s: %w", snap.Tool, snap.Tag, err)
	}
	return nil
}

// Snapshots lists recorded snapshots ordered by tool and tag.
func (s *Store) Snapshots(ctx context.Context, tool string) ([]api.Snapshot, error) {
	query := `SELECT tool, tag, experiment_id, tool_commit, path, digest, overrides, created_at FROM snapshots`
	var args []any
	if tool != "" {
		query += ` WHERE tool = ?`
		args = append(args, tool)
	}
	query += ` ORDER BY tool, tag`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var out []api.Snapshot
	for rows.Next() {
		var snap api.Snapshot
		var overrides, created string
		if err := rows.Scan(&snap.Tool, &snap.Tag, &snap.ExperimentID, &snap.ToolCommit, &snap.Path, &snap.Digest, &overrides, &created); err != nil {
			return nil, err
		}
		snap.Timestamp = parseTime(created)
		if err := json.Unmarshal([]byte(overrides), &snap.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides of snapshot %s/%s: %w", snap.Tool, snap.Tag, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode overrides: %w", err)
	}
	return string(b), nil
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
