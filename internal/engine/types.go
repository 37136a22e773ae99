package engine

import (
	"context"
	"errors"
	"time"

	"sprayer/internal/jitter"
	"sprayer/internal/router"
	"sprayer/internal/store"
)

var (
	ErrNoCallback   = errors.New("engine: authentication callback is required")
	ErrNoStore      = errors.New("engine: attempt store is required")
	ErrBadWorkers   = errors.New("engine: worker count must be >= 1")
	ErrBadAuthTries = errors.New("engine: max auth tries must be >= 1")

	// ErrAborted is returned from Run when an exception handler requested
	// termination. The run drains in-flight attempts before returning it.
	ErrAborted = errors.New("engine: run aborted by exception handler")

	// ErrFeedBacklog is returned by Feed when the live-import buffer is full.
	ErrFeedBacklog = errors.New("engine: feed backlog full")
)

// Callback is the externally supplied authentication check. ok reports
// whether the credentials are valid; a non-nil error means the check itself
// failed rather than returning a definitive yes/no.
type Callback func(ctx context.Context, username, password string) (ok bool, err error)

// Config is the validated run configuration. The engine treats it as
// immutable once New() accepts it.
type Config struct {
	// Workers is the size of the attempt executor pool.
	Workers int

	// MaxAuthTries bounds consecutive attempts per account before backoff.
	// Set to 1 for a strictly horizontal spray.
	MaxAuthTries int

	// StopOnValid stops dispatching new work after the first success commits.
	StopOnValid bool

	// AttemptJitter sleeps each worker after every callback invocation.
	// ThresholdJitter sizes the per-account backoff window. The two policies
	// must be independent instances.
	AttemptJitter   *jitter.Policy
	ThresholdJitter *jitter.Policy

	Callback Callback
	Router   *router.Router

	// GlobalRatePerSec caps callback invocations across the whole pool.
	// 0 disables the cap.
	GlobalRatePerSec float64

	// Window restricts dispatch to a recurring engagement window. nil means
	// always open.
	Window *Window

	// DrainGrace bounds how long a cancelled run waits for in-flight
	// attempts before abandoning them. Defaults to 30s.
	DrainGrace time.Duration

	// Linger keeps an exhausted run alive waiting for live-fed pairs instead
	// of returning. Set when a feeder supplies work; the run then ends on
	// cancellation, abort, or stop_on_valid.
	Linger bool
}

// Summary is the terminal report of one run.
type Summary struct {
	Attempted int
	Successes int
	Failures  int
	Errored   int
	Requeued  int

	Valid   []store.Pair
	Elapsed time.Duration
}

// AttemptEvent rides the bus on "attempt.started" and "attempt.finished".
type AttemptEvent struct {
	Username string        `json:"username"`
	Password string        `json:"password"`
	Outcome  store.Outcome `json:"outcome,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// BackoffEvent rides the bus on "backoff.entered" and "backoff.cleared".
type BackoffEvent struct {
	Username string    `json:"username"`
	Until    time.Time `json:"until,omitempty"`
}

// AbortEvent rides the bus on "run.aborted".
type AbortEvent struct {
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

type attemptResult struct {
	pair    store.Pair
	outcome store.Outcome
	err     error

	started  time.Time
	finished time.Time
}
