package engine

import (
	"time"

	"sprayer/internal/jitter"
	"sprayer/internal/store"
)

// account is the scheduler-private progress record for one username.
// Only the scheduler goroutine touches it; workers never see it.
type account struct {
	username string
	queue    []string // passwords, arrival order

	tries        int // attempts since the last backoff window
	inFlight     int
	backoffUntil time.Time
}

func (a *account) inBackoff(now time.Time) bool {
	return !a.backoffUntil.IsZero() && now.Before(a.backoffUntil)
}

// accountSet groups pending pairs by username and hands them out round-robin
// across distinct accounts, so no single account's attempt budget is drained
// before the others move.
type accountSet struct {
	order    []*account
	index    map[string]*account
	cursor   int
	maxTries int
}

func newAccountSet(maxTries int) *accountSet {
	return &accountSet{index: map[string]*account{}, maxTries: maxTries}
}

// add appends a pair at the back of its account's queue, creating the account
// lazily on first sight of the username.
func (s *accountSet) add(p store.Pair) {
	a := s.index[p.Username]
	if a == nil {
		a = &account{username: p.Username}
		s.index[p.Username] = a
		s.order = append(s.order, a)
	}
	a.queue = append(a.queue, p.Password)
}

// requeue puts a pair back at the front of its queue so a transiently failed
// attempt is retried before new work for that account.
func (s *accountSet) requeue(p store.Pair) {
	a := s.index[p.Username]
	if a == nil {
		s.add(p)
		return
	}
	a.queue = append([]string{p.Password}, a.queue...)
}

func (s *accountSet) pendingCount() int {
	n := 0
	for _, a := range s.order {
		n += len(a.queue)
	}
	return n
}

// eligible reports whether the account may receive another dispatch now.
func (s *accountSet) eligible(a *account, now time.Time) bool {
	if len(a.queue) == 0 || a.inBackoff(now) {
		return false
	}
	// Count in-flight work against the budget so no more than maxTries
	// attempts ever run before the backoff decision lands.
	return a.tries+a.inFlight < s.maxTries
}

// next picks the next eligible pair round-robin across usernames and marks it
// in flight. Returns false when nothing is dispatchable right now.
func (s *accountSet) next(now time.Time) (store.Pair, bool) {
	n := len(s.order)
	for i := 0; i < n; i++ {
		a := s.order[(s.cursor+i)%n]
		if !s.eligible(a, now) {
			continue
		}
		s.cursor = (s.cursor + i + 1) % n
		pw := a.queue[0]
		a.queue = a.queue[1:]
		a.inFlight++
		return store.Pair{Username: a.username, Password: pw}, true
	}
	return store.Pair{}, false
}

// onComplete records a finished attempt. When the account hits its threshold
// it enters a backoff window sized by the policy and its counter resets, so
// the backoff is consumed once per filled window.
func (s *accountSet) onComplete(username string, now time.Time, policy *jitter.Policy) (entered bool, until time.Time) {
	a := s.index[username]
	if a == nil {
		return false, time.Time{}
	}
	if a.inFlight > 0 {
		a.inFlight--
	}
	a.tries++
	if a.tries >= s.maxTries {
		until = now.Add(policy.NextDelay())
		a.backoffUntil = until
		a.tries = 0
		return true, until
	}
	return false, time.Time{}
}

// abandon undoes the in-flight mark without counting an attempt, for
// dispatches whose outcome could not be committed.
func (s *accountSet) abandon(username string) {
	if a := s.index[username]; a != nil && a.inFlight > 0 {
		a.inFlight--
	}
}

// clearExpired drops backoff marks that have elapsed and returns the affected
// usernames so the scheduler can log the exit.
func (s *accountSet) clearExpired(now time.Time) []string {
	var cleared []string
	for _, a := range s.order {
		if !a.backoffUntil.IsZero() && !now.Before(a.backoffUntil) {
			a.backoffUntil = time.Time{}
			cleared = append(cleared, a.username)
		}
	}
	return cleared
}

// earliestWake returns the soonest backoff expiry among accounts that still
// have queued work, or the zero time if none are waiting on a backoff.
func (s *accountSet) earliestWake(now time.Time) time.Time {
	var wake time.Time
	for _, a := range s.order {
		if len(a.queue) == 0 || !a.inBackoff(now) {
			continue
		}
		if wake.IsZero() || a.backoffUntil.Before(wake) {
			wake = a.backoffUntil
		}
	}
	return wake
}
