package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "brewpanel/pkg/logx"
)

//go:embed migrations.sql
var schema string

const (
	// Retention is enforced every pruneInterval inserts, not on each one.
	pruneInterval = 500
	pruneTimeout  = 200 * time.Millisecond
)

const (
	insertJobSQL = `INSERT INTO job_history(at, event, type, name, job_id, err, forced)
VALUES(?, ?, ?, ?, ?, ?, ?)`
	recentJobsSQL = `SELECT at, event, type, name, job_id, err, forced
FROM job_history ORDER BY id DESC LIMIT ?`
	pruneJobsSQL = `DELETE FROM job_history
WHERE id <= (SELECT MAX(id) FROM job_history) - ?`
)

// sqliteStore keeps job history in a single table through the pure-Go
// modernc.org/sqlite driver.
type sqliteStore struct {
	db      *sql.DB
	log     logx.Logger
	keep    int
	inserts atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if ms := cfg.BusyTimeout.Milliseconds(); ms > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, keep: cfg.Keep}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendJob(ctx context.Context, r JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, insertJobSQL,
		r.At.UTC().Format(time.RFC3339Nano), r.Event, r.Type, r.Name,
		optional(r.JobID), optional(r.Error), r.Forced)
	if err != nil {
		return fmt.Errorf("sqlite: insert: %w", err)
	}
	if s.inserts.Add(1)%pruneInterval == 0 {
		s.prune()
	}
	return nil
}

func (s *sqliteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > s.keep {
		limit = s.keep
	}
	rows, err := s.db.QueryContext(ctx, recentJobsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	out := make([]JobRecord, 0, limit)
	for rows.Next() {
		var (
			r          JobRecord
			at         string
			id, errMsg sql.NullString
		)
		if err := rows.Scan(&at, &r.Event, &r.Type, &r.Name, &id, &errMsg, &r.Forced); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.JobID, r.Error = id.String, errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune drops everything but the newest keep rows. It runs on its own short
// deadline so a slow prune never fails the insert that triggered it.
func (s *sqliteStore) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, pruneJobsSQL, s.keep); err != nil {
		s.log.Debug("job history prune failed", logx.Err(err))
	}
}

func optional(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
