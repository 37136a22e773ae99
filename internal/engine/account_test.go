package engine

import (
	"testing"
	"time"

	"sprayer/internal/jitter"
	"sprayer/internal/store"
)

func mustPolicy(t *testing.T, spec string) *jitter.Policy {
	t.Helper()
	p, err := jitter.Parse(spec)
	if err != nil {
		t.Fatalf("jitter.Parse(%q): %v", spec, err)
	}
	return p
}

func TestRoundRobinAcrossAccounts(t *testing.T) {
	t.Parallel()
	s := newAccountSet(4)
	s.add(store.Pair{Username: "a", Password: "1"})
	s.add(store.Pair{Username: "a", Password: "2"})
	s.add(store.Pair{Username: "b", Password: "1"})
	s.add(store.Pair{Username: "b", Password: "2"})
	s.add(store.Pair{Username: "c", Password: "1"})

	now := time.Now()
	var got []string
	for {
		p, ok := s.next(now)
		if !ok {
			break
		}
		got = append(got, p.Username+":"+p.Password)
	}

	want := []string{"a:1", "b:1", "c:1", "a:2", "b:2"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestInFlightCountsAgainstBudget(t *testing.T) {
	t.Parallel()
	s := newAccountSet(1)
	s.add(store.Pair{Username: "a", Password: "1"})
	s.add(store.Pair{Username: "a", Password: "2"})

	now := time.Now()
	if _, ok := s.next(now); !ok {
		t.Fatal("first dispatch refused")
	}
	// One attempt is in flight and the budget is 1: nothing more until it lands.
	if p, ok := s.next(now); ok {
		t.Fatalf("dispatched %v past the attempt budget", p)
	}
}

func TestThresholdBackoffAndReset(t *testing.T) {
	t.Parallel()
	s := newAccountSet(2)
	for i := 0; i < 4; i++ {
		s.add(store.Pair{Username: "a", Password: string(rune('1' + i))})
	}
	policy := mustPolicy(t, "100ms")
	now := time.Now()

	s.next(now)
	if entered, _ := s.onComplete("a", now, policy); entered {
		t.Fatal("backoff after a single attempt")
	}
	s.next(now)
	entered, until := s.onComplete("a", now, policy)
	if !entered {
		t.Fatal("no backoff at the threshold")
	}
	if want := now.Add(100 * time.Millisecond); !until.Equal(want) {
		t.Fatalf("backoff until %v, want %v", until, want)
	}

	if _, ok := s.next(now); ok {
		t.Fatal("dispatched during backoff")
	}

	// After expiry the counter starts fresh: a full threshold is available.
	later := until.Add(time.Millisecond)
	if cleared := s.clearExpired(later); len(cleared) != 1 || cleared[0] != "a" {
		t.Fatalf("clearExpired = %v", cleared)
	}
	if _, ok := s.next(later); !ok {
		t.Fatal("not dispatchable after backoff expired")
	}
	if _, ok := s.next(later); !ok {
		t.Fatal("threshold did not reset after backoff")
	}
}

func TestRequeueGoesToFront(t *testing.T) {
	t.Parallel()
	s := newAccountSet(5)
	s.add(store.Pair{Username: "a", Password: "1"})
	s.add(store.Pair{Username: "a", Password: "2"})

	now := time.Now()
	p, _ := s.next(now)
	s.abandon(p.Username)
	s.requeue(p)

	again, ok := s.next(now)
	if !ok || again != p {
		t.Fatalf("after requeue got %v, want %v", again, p)
	}
}

func TestEarliestWakeSkipsDrainedAccounts(t *testing.T) {
	t.Parallel()
	s := newAccountSet(1)
	s.add(store.Pair{Username: "soon", Password: "x"})
	s.add(store.Pair{Username: "soon", Password: "y"})
	s.add(store.Pair{Username: "later", Password: "x"})
	s.add(store.Pair{Username: "later", Password: "y"})
	s.add(store.Pair{Username: "done", Password: "x"})

	now := time.Now()
	s.index["soon"].backoffUntil = now.Add(1 * time.Minute)
	s.index["later"].backoffUntil = now.Add(5 * time.Minute)
	// An account in backoff with nothing queued must not hold the scheduler.
	s.index["done"].backoffUntil = now.Add(30 * time.Second)
	s.index["done"].queue = nil

	wake := s.earliestWake(now)
	if !wake.Equal(now.Add(1 * time.Minute)) {
		t.Fatalf("earliestWake = %v, want %v", wake, now.Add(1*time.Minute))
	}
}
