package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "sprayer/pkg/logx"
)

func openTestStore(t *testing.T, lease time.Duration) Store {
	t.Helper()
	cfg := Config{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "attempts.db"),
		LeaseTimeout: lease,
		RunID:        "test-run",
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestReserveCommitLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 0)

	pair := Pair{Username: "alice", Password: "hunter2"}
	pending, err := st.LoadPending(ctx, []Pair{pair})
	if err != nil {
		t.Fatalf("LoadPending error: %v", err)
	}
	if len(pending) != 1 || pending[0] != pair {
		t.Fatalf("pending = %v, want [%v]", pending, pair)
	}

	if err := st.Reserve(ctx, pair); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	// Second reserve must observe the claim.
	if err := st.Reserve(ctx, pair); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second Reserve = %v, want ErrAlreadyClaimed", err)
	}

	if err := st.Commit(ctx, pair, OutcomeFailure); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	// Idempotent on same outcome, conflict on a different one.
	if err := st.Commit(ctx, pair, OutcomeFailure); err != nil {
		t.Fatalf("idempotent Commit = %v, want nil", err)
	}
	if err := st.Commit(ctx, pair, OutcomeSuccess); !errors.Is(err, ErrOutcomeConflict) {
		t.Fatalf("conflicting Commit = %v, want ErrOutcomeConflict", err)
	}

	// Terminal pairs are never re-reservable.
	if err := st.Reserve(ctx, pair); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("Reserve after commit = %v, want ErrAlreadyClaimed", err)
	}
}

func TestReserveUnknownPair(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, 0)
	err := st.Reserve(context.Background(), Pair{Username: "ghost", Password: "x"})
	if !errors.Is(err, ErrNotReserved) {
		t.Fatalf("Reserve = %v, want ErrNotReserved", err)
	}
}

func TestLoadPendingFiltersTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 0)

	pairs := []Pair{
		{Username: "a", Password: "p1"},
		{Username: "b", Password: "p1"},
		{Username: "c", Password: "p1"},
	}
	if _, err := st.LoadPending(ctx, pairs); err != nil {
		t.Fatalf("LoadPending error: %v", err)
	}

	if err := st.Reserve(ctx, pairs[0]); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if err := st.Commit(ctx, pairs[0], OutcomeSuccess); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	// Re-run with the same full set: the committed pair must not come back.
	pending, err := st.LoadPending(ctx, pairs)
	if err != nil {
		t.Fatalf("second LoadPending error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %v, want 2 entries", pending)
	}
	for _, p := range pending {
		if p == pairs[0] {
			t.Fatalf("terminal pair %v returned as pending", p)
		}
	}
}

func TestLoadPendingResetsErrored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 0)

	pair := Pair{Username: "a", Password: "p1"}
	if _, err := st.LoadPending(ctx, []Pair{pair}); err != nil {
		t.Fatalf("LoadPending error: %v", err)
	}
	if err := st.Reserve(ctx, pair); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if err := st.Commit(ctx, pair, OutcomeError); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	// Errored pairs are retried on resume.
	pending, err := st.LoadPending(ctx, []Pair{pair})
	if err != nil {
		t.Fatalf("second LoadPending error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %v, want the errored pair back", pending)
	}
}

func TestStaleLeaseReclaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 50*time.Millisecond)

	pair := Pair{Username: "a", Password: "p1"}
	if _, err := st.LoadPending(ctx, []Pair{pair}); err != nil {
		t.Fatalf("LoadPending error: %v", err)
	}
	if err := st.Reserve(ctx, pair); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	// While the lease is live the pair stays claimed.
	if err := st.Reserve(ctx, pair); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("Reserve within lease = %v, want ErrAlreadyClaimed", err)
	}

	time.Sleep(80 * time.Millisecond)

	// Lease expired: the reservation is reclaimable.
	if err := st.Reserve(ctx, pair); err != nil {
		t.Fatalf("Reserve after lease expiry = %v, want nil", err)
	}
}

func TestReleaseRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 0)

	pair := Pair{Username: "a", Password: "p1"}
	if _, err := st.LoadPending(ctx, []Pair{pair}); err != nil {
		t.Fatalf("LoadPending error: %v", err)
	}
	if err := st.Reserve(ctx, pair); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if err := st.Release(ctx, pair); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	// Released pairs are immediately reservable again.
	if err := st.Reserve(ctx, pair); err != nil {
		t.Fatalf("Reserve after release = %v, want nil", err)
	}

	if err := st.Release(ctx, Pair{Username: "b", Password: "x"}); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("Release of unknown pair = %v, want ErrNotReserved", err)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 0)

	pair := Pair{Username: "a", Password: "p1"}
	if _, err := st.LoadPending(ctx, []Pair{pair}); err != nil {
		t.Fatalf("LoadPending error: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.Reserve(ctx, pair)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyClaimed):
		default:
			t.Fatalf("unexpected Reserve error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestAttemptsAuditTrail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 0)

	pairs := []Pair{
		{Username: "a", Password: "p1"},
		{Username: "b", Password: "p1"},
	}
	if _, err := st.LoadPending(ctx, pairs); err != nil {
		t.Fatalf("LoadPending error: %v", err)
	}
	if err := st.Reserve(ctx, pairs[0]); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if err := st.Commit(ctx, pairs[0], OutcomeSuccess); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	all, err := st.Attempts(ctx)
	if err != nil {
		t.Fatalf("Attempts error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(all))
	}
	byUser := map[string]Attempt{}
	for _, a := range all {
		byUser[a.Pair.Username] = a
	}
	if got := byUser["a"]; got.Status != StatusSuccess || got.Outcome != OutcomeSuccess || got.RunID != "test-run" {
		t.Fatalf("attempt a = %+v", got)
	}
	if got := byUser["b"]; got.Status != StatusPending {
		t.Fatalf("attempt b status = %s, want pending", got.Status)
	}
	if byUser["a"].CompletedAt.IsZero() {
		t.Fatal("completed_at not recorded")
	}
}
