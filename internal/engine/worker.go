package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"sprayer/internal/store"
	logx "sprayer/pkg/logx"
)

// worker executes attempts handed over workCh until the channel closes.
// Workers are stateless between invocations; all progress bookkeeping stays
// with the scheduler.
func (e *Engine) worker(ctx context.Context, workCh <-chan store.Pair, results chan<- attemptResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for p := range workCh {
		// results has capacity for one outstanding result per worker, so
		// this send never blocks while the scheduler is still draining.
		results <- e.execute(ctx, p)
	}
}

func (e *Engine) execute(ctx context.Context, p store.Pair) attemptResult {
	started := time.Now()
	res := attemptResult{pair: p, started: started}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			res.outcome = store.OutcomeError
			res.err = err
			res.finished = time.Now()
			return res
		}
	}

	ok, err := e.invoke(ctx, p)
	switch {
	case err != nil:
		res.outcome = store.OutcomeError
		res.err = err
	case ok:
		res.outcome = store.OutcomeSuccess
	default:
		res.outcome = store.OutcomeFailure
	}

	// Throttle after the callback returns and before the result is reported,
	// independent of account-level backoff.
	if d := e.cfg.AttemptJitter.NextDelay(); d > 0 {
		tmr := time.NewTimer(d)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
		case <-tmr.C:
		}
	}

	res.finished = time.Now()
	return res
}

// invoke runs the callback with a panic guard: a callback that blows up is
// converted into an error outcome instead of killing the worker.
func (e *Engine) invoke(ctx context.Context, p store.Pair) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("callback panic: %v", r)
			e.log.Error("callback panicked",
				logx.String("username", p.Username),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return e.cfg.Callback(ctx, p.Username, p.Password)
}
