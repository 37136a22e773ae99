package store

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	logx "sprayer/pkg/logx"
)

// retryStore retries transient backend failures (lock contention, busy
// timeouts) with bounded exponential backoff before surfacing the error.
// Contract errors (ErrAlreadyClaimed, ErrOutcomeConflict, ErrNotReserved) and
// context cancellation pass straight through.
type retryStore struct {
	inner Store
	log   logx.Logger

	max      int
	base     time.Duration
	maxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func withRetry(inner Store, cfg Config, log logx.Logger) Store {
	max := cfg.RetryMax
	if max <= 0 {
		max = 3
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	maxDelay := cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &retryStore{
		inner:    inner,
		log:      log,
		max:      max,
		base:     base,
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *retryStore) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt > r.max {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := r.backoffDelay(attempt)
		r.log.Warn("store operation retry",
			logx.String("op", op),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return err
		case <-tmr.C:
		}
	}
}

func (r *retryStore) backoffDelay(retry int) time.Duration {
	d := r.base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > r.maxDelay {
			d = r.maxDelay
			break
		}
	}
	// 20% jitter so concurrent workers don't retry in lockstep.
	r.mu.Lock()
	j := (r.rng.Float64()*2 - 1) * 0.2
	r.mu.Unlock()
	d = time.Duration(float64(d) * (1 + j))
	if d < 0 {
		d = 0
	}
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrOutcomeConflict) || errors.Is(err, ErrNotReserved) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"database is locked", "busy", "deadlock", "connection reset", "timeout", "temporarily unavailable"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func (r *retryStore) LoadPending(ctx context.Context, pairs []Pair) ([]Pair, error) {
	var out []Pair
	err := r.do(ctx, "load_pending", func() error {
		var err error
		out, err = r.inner.LoadPending(ctx, pairs)
		return err
	})
	return out, err
}

func (r *retryStore) Reserve(ctx context.Context, pair Pair) error {
	return r.do(ctx, "reserve", func() error { return r.inner.Reserve(ctx, pair) })
}

func (r *retryStore) Commit(ctx context.Context, pair Pair, outcome Outcome) error {
	return r.do(ctx, "commit", func() error { return r.inner.Commit(ctx, pair, outcome) })
}

func (r *retryStore) Release(ctx context.Context, pair Pair) error {
	return r.do(ctx, "release", func() error { return r.inner.Release(ctx, pair) })
}

func (r *retryStore) Attempts(ctx context.Context) ([]Attempt, error) {
	var out []Attempt
	err := r.do(ctx, "attempts", func() error {
		var err error
		out, err = r.inner.Attempts(ctx)
		return err
	})
	return out, err
}

func (r *retryStore) Close() error { return r.inner.Close() }
