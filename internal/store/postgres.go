package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	logx "sprayer/pkg/logx"
)

//go:embed migrations/postgres/*.sql
var pgMigrationsFS embed.FS

// postgresStore backs team-shared runs where several operators point at the
// same database. Same contract as the sqlite driver; rows move through the
// identical status lifecycle.
type postgresStore struct {
	db    *sql.DB
	log   logx.Logger
	lease time.Duration
	runID string
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	goose.SetBaseFS(pgMigrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.Up(db, "migrations/postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &postgresStore{db: db, log: log, lease: cfg.leaseTimeout(), runID: cfg.RunID}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) LoadPending(ctx context.Context, pairs []Pair) ([]Pair, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range pairs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credentials(username, password) VALUES($1, $2)
			 ON CONFLICT (username, password) DO NOTHING`,
			p.Username, p.Password,
		); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attempts(credential_id)
			 SELECT id FROM credentials WHERE username = $1 AND password = $2
			 ON CONFLICT (credential_id) DO NOTHING`,
			p.Username, p.Password,
		); err != nil {
			return nil, err
		}
	}

	cutoff := time.Now().Add(-s.lease).UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE attempts SET status = 'pending', reserved_at = NULL
		 WHERE status = 'errored' OR (status = 'in_flight' AND (reserved_at IS NULL OR reserved_at < $1))`,
		cutoff,
	); err != nil {
		return nil, err
	}

	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT a.status FROM attempts a
			 JOIN credentials c ON c.id = a.credential_id
			 WHERE c.username = $1 AND c.password = $2`,
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

func (s *postgresStore) Reserve(ctx context.Context, pair Pair) error {
	now := time.Now()
	cutoff := now.Add(-s.lease).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = 'in_flight', run_id = $1, reserved_at = $2
		 WHERE credential_id = (SELECT id FROM credentials WHERE username = $3 AND password = $4)
		   AND (status = 'pending' OR (status = 'in_flight' AND reserved_at < $5))`,
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
		`SELECT 1 FROM credentials WHERE username = $1 AND password = $2`,
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

func (s *postgresStore) Commit(ctx context.Context, pair Pair, outcome Outcome) error {
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
		 WHERE c.username = $1 AND c.password = $2
		 FOR UPDATE`,
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
			return tx.Commit()
		}
		return ErrOutcomeConflict
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE attempts SET status = $1, outcome = $2, completed_at = $3
		 WHERE credential_id = (SELECT id FROM credentials WHERE username = $4 AND password = $5)`,
		string(outcome.Status()), string(outcome), time.Now().UnixMilli(),
		pair.Username, pair.Password,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *postgresStore) Release(ctx context.Context, pair Pair) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = 'pending', reserved_at = NULL
		 WHERE credential_id = (SELECT id FROM credentials WHERE username = $1 AND password = $2)
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

func (s *postgresStore) Attempts(ctx context.Context) ([]Attempt, error) {
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
