package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "vsync/pkg/logx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS invocations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session    TEXT    NOT NULL,
		client     TEXT    NOT NULL,
		at_ns      INTEGER NOT NULL,
		dt_ns      INTEGER NOT NULL DEFAULT 0,
		elapsed_ns INTEGER NOT NULL DEFAULT 0,
		skipped    INTEGER NOT NULL DEFAULT 0,
		took_ms    INTEGER NOT NULL DEFAULT 0,
		err        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invocations_client ON invocations(client, id)`,
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
	maxRows    int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the pragmas below then apply to every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	st := &sqliteStore{db: db, log: log, pruneEvery: 500, maxRows: maxRows}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendInvocation(ctx context.Context, e InvocationEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations(session, client, at_ns, dt_ns, elapsed_ns, skipped, took_ms, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.Session, e.Client, e.At.UnixNano(), int64(e.DT), int64(e.Elapsed), e.Skipped, e.TookMS, nullStr(e.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("journal prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, client string, n int) ([]InvocationEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session, client, at_ns, dt_ns, elapsed_ns, skipped, took_ms, err
		 FROM invocations WHERE (? = '' OR client = ?) ORDER BY id DESC LIMIT ?`,
		client, client, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]InvocationEntry, 0, min(n, 256))
	for rows.Next() {
		var (
			e                InvocationEntry
			atNS, dtNS, elNS int64
			errText          sql.NullString
		)
		if err := rows.Scan(&e.Session, &e.Client, &atNS, &dtNS, &elNS, &e.Skipped, &e.TookMS, &errText); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, atNS)
		e.DT = time.Duration(dtNS)
		e.Elapsed = time.Duration(elNS)
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// prune keeps the newest maxRows rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM invocations WHERE id <= (SELECT MAX(id) FROM invocations) - ?`, s.maxRows)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
