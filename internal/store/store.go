// Package store persists every credential pair and attempt outcome so an
// interrupted run resumes without duplicate or lost work.
//
// The engine only sees the narrow Store contract below; the backing database
// (sqlite file or postgres) is an implementation detail chosen in Config.
package store

import (
	"context"
	"errors"
	"strings"

	logx "sprayer/pkg/logx"
)

// Store is the durable attempt ledger.
//
// Reserve/Commit form the concurrency-safety boundary: Reserve atomically
// claims a pending pair, Commit atomically records the terminal outcome.
// All implementations must be safe for concurrent use.
type Store interface {
	// LoadPending registers the candidate pairs and returns those that still
	// need work. Pairs already success/failure are filtered out (idempotent
	// resume); errored and lease-expired in_flight pairs are reset to pending.
	LoadPending(ctx context.Context, pairs []Pair) ([]Pair, error)

	// Reserve transitions pair from pending to in_flight. Returns
	// ErrAlreadyClaimed if another holder has it or it is already terminal.
	// A stale in_flight reservation (lease expired) is re-reservable.
	Reserve(ctx context.Context, pair Pair) error

	// Commit records the terminal status for a reserved pair. Idempotent when
	// called twice with the same outcome; ErrOutcomeConflict otherwise.
	Commit(ctx context.Context, pair Pair, outcome Outcome) error

	// Release returns an in_flight pair to pending, for attempts whose commit
	// could not be persisted and must be re-queued rather than lost.
	Release(ctx context.Context, pair Pair) error

	// Attempts returns the full audit trail.
	Attempts(ctx context.Context) ([]Attempt, error)

	Close() error
}

// Open initializes the configured backend and wraps it with bounded retries
// for transient failures.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		inner Store
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		inner, err = openSQLite(cfg, log)
	case "postgres", "pgx":
		inner, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return withRetry(inner, cfg, log), nil
}
