package store

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyClaimed is returned by Reserve when another caller holds the
	// pair in flight or the pair already reached a terminal status.
	ErrAlreadyClaimed = errors.New("credential pair already claimed")

	// ErrOutcomeConflict is returned by Commit when a pair is already terminal
	// with a different outcome. Committing the same outcome twice is a no-op.
	ErrOutcomeConflict = errors.New("conflicting outcome for terminal pair")

	// ErrNotReserved is returned by Commit/Release when the pair is not known
	// or was never reserved.
	ErrNotReserved = errors.New("credential pair not reserved")
)

// Pair is one (username, password) combination to be tested. Immutable.
type Pair struct {
	Username string
	Password string
}

// Status is the lifecycle state of a pair's attempt record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusErrored  Status = "errored"
)

// Terminal reports whether the status will never change again within a run.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusErrored
}

// Outcome is the result of one authentication attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"

	// OutcomeError means the callback itself failed rather than returning a
	// definitive yes/no.
	OutcomeError Outcome = "error"
)

// Status maps an outcome to the terminal status it commits.
func (o Outcome) Status() Status {
	switch o {
	case OutcomeSuccess:
		return StatusSuccess
	case OutcomeFailure:
		return StatusFailure
	default:
		return StatusErrored
	}
}

// Attempt is one durable attempt record. Records are never physically deleted;
// they are the audit trail of the run.
type Attempt struct {
	Pair        Pair
	Status      Status
	Outcome     Outcome
	RunID       string
	ReservedAt  time.Time
	CompletedAt time.Time
}

// Config selects and tunes the persistence backend.
//
// Driver values:
//   - "sqlite": local database file (default; created on first open)
//   - "postgres": shared database, DSN required
type Config struct {
	Driver string
	Path   string // sqlite file path
	DSN    string // postgres connection string

	BusyTimeout time.Duration // sqlite only; 0 means default

	// LeaseTimeout bounds how long a reservation may sit in_flight before it
	// becomes reclaimable. Guards against holders that crashed before commit.
	LeaseTimeout time.Duration

	// RunID is stamped on every reservation made through this store handle.
	RunID string

	// Retry tuning for transient backend failures. Zero values get defaults.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

const defaultLeaseTimeout = 5 * time.Minute

func (c Config) leaseTimeout() time.Duration {
	if c.LeaseTimeout <= 0 {
		return defaultLeaseTimeout
	}
	return c.LeaseTimeout
}
