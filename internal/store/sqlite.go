package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "sprayer/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	lease time.Duration
	runID string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, lease: cfg.leaseTimeout(), runID: cfg.RunID}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadPending(ctx context.Context, pairs []Pair) ([]Pair, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range pairs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO credentials(username, password) VALUES(?, ?)`,
			p.Username, p.Password,
		); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO attempts(credential_id)
			 SELECT id FROM credentials WHERE username = ? AND password = ?`,
			p.Username, p.Password,
		); err != nil {
			return nil, err
		}
	}

	// Reset records a prior run left unfinished: errored pairs are retried on
	// resume, and reservations whose lease expired are reclaimed.
	cutoff := time.Now().Add(-s.lease).UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE attempts SET status = 'pending', reserved_at = NULL
		 WHERE status = 'errored' OR (status = 'in_flight' AND (reserved_at IS NULL OR reserved_at < ?))`,
		cutoff,
	); err != nil {
		return nil, err
	}

	// Preserve arrival order: iterate the input, keep the non-terminal ones.
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT a.status FROM attempts a
			 JOIN credentials c ON c.id = a.credential_id
			 WHERE c.username = ? AND c.password = ?`,
			p.Username, p.Password,
		).Scan(&status)
		if err != nil {
			return nil, err
		}
		if !Status(status).Terminal() {
			out = append(out, p)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) Reserve(ctx context.Context, pair Pair) error {
	now := time.Now()
	cutoff := now.Add(-s.lease).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = 'in_flight', run_id = ?, reserved_at = ?
		 WHERE credential_id = (SELECT id FROM credentials WHERE username = ? AND password = ?)
		   AND (status = 'pending' OR (status = 'in_flight' AND reserved_at < ?))`,
		s.runID, now.UnixMilli(), pair.Username, pair.Password, cutoff,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM credentials WHERE username = ? AND password = ?`,
		pair.Username, pair.Password,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotReserved
	}
	if err != nil {
		return err
	}
	return ErrAlreadyClaimed
}

func (s *sqliteStore) Commit(ctx context.Context, pair Pair, outcome Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var prev sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT a.status, a.outcome FROM attempts a
		 JOIN credentials c ON c.id = a.credential_id
		 WHERE c.username = ? AND c.password = ?`,
		pair.Username, pair.Password,
	).Scan(&status, &prev)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotReserved
	}
	if err != nil {
		return err
	}

	if Status(status).Terminal() {
		if prev.Valid && Outcome(prev.String) == outcome {
			return tx.Commit() // idempotent re-commit
		}
		return ErrOutcomeConflict
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE attempts SET status = ?, outcome = ?, completed_at = ?
		 WHERE credential_id = (SELECT id FROM credentials WHERE username = ? AND password = ?)`,
		string(outcome.Status()), string(outcome), time.Now().UnixMilli(),
		pair.Username, pair.Password,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Release(ctx context.Context, pair Pair) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = 'pending', reserved_at = NULL
		 WHERE credential_id = (SELECT id FROM credentials WHERE username = ? AND password = ?)
		   AND status = 'in_flight'`,
		pair.Username, pair.Password,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}

func (s *sqliteStore) Attempts(ctx context.Context) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.username, c.password, a.status, a.outcome, a.run_id, a.reserved_at, a.completed_at
		 FROM attempts a
		 JOIN credentials c ON c.id = a.credential_id
		 ORDER BY c.id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a        Attempt
			status   string
			outcome  sql.NullString
			runID    sql.NullString
			reserved sql.NullInt64
			done     sql.NullInt64
		)
		if err := rows.Scan(&a.Pair.Username, &a.Pair.Password, &status, &outcome, &runID, &reserved, &done); err != nil {
			return nil, err
		}
		a.Status = Status(status)
		if outcome.Valid {
			a.Outcome = Outcome(outcome.String)
		}
		if runID.Valid {
			a.RunID = runID.String
		}
		if reserved.Valid {
			a.ReservedAt = time.UnixMilli(reserved.Int64)
		}
		if done.Valid {
			a.CompletedAt = time.UnixMilli(done.Int64)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
