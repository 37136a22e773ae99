// Package jitter turns a declarative delay spec into concrete sleep durations.
//
// Two independent policies are used per run: one applied after every
// authentication attempt (request throttling) and one applied when an account
// reaches its attempt threshold (lockout-aware backoff). The two never share
// RNG state.
package jitter

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Policy produces delays within configured bounds.
//
// Spec grammar:
//   - ""            zero delay
//   - "750ms"       fixed delay
//   - "1s-3s"       uniform random delay in [1s, 3s]
//
// NextDelay is safe for concurrent use.
type Policy struct {
	min time.Duration
	max time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// Parse builds a Policy from a spec string.
func Parse(spec string) (*Policy, error) {
	return parse(spec, time.Now().UnixNano())
}

// ParseSeeded builds a Policy with a fixed RNG seed so tests can assert
// concrete delays.
func ParseSeeded(spec string, seed int64) (*Policy, error) {
	return parse(spec, seed)
}

func parse(spec string, seed int64) (*Policy, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return &Policy{}, nil
	}

	var minD, maxD time.Duration
	if i := strings.IndexByte(s, '-'); i >= 0 {
		lo, err := time.ParseDuration(strings.TrimSpace(s[:i]))
		if err != nil {
			return nil, fmt.Errorf("jitter: invalid lower bound %q: %w", s[:i], err)
		}
		hi, err := time.ParseDuration(strings.TrimSpace(s[i+1:]))
		if err != nil {
			return nil, fmt.Errorf("jitter: invalid upper bound %q: %w", s[i+1:], err)
		}
		minD, maxD = lo, hi
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("jitter: invalid duration %q: %w", s, err)
		}
		minD, maxD = d, d
	}

	if minD < 0 || maxD < 0 {
		return nil, fmt.Errorf("jitter: durations must be >= 0 in %q", spec)
	}
	if maxD < minD {
		return nil, fmt.Errorf("jitter: upper bound below lower bound in %q", spec)
	}

	return &Policy{min: minD, max: maxD, rng: rand.New(rand.NewSource(seed))}, nil
}

// NextDelay returns the next sleep duration, always >= 0.
func (p *Policy) NextDelay() time.Duration {
	if p == nil {
		return 0
	}
	if p.max == p.min {
		return p.min
	}
	p.mu.Lock()
	d := p.min + time.Duration(p.rng.Int63n(int64(p.max-p.min)+1))
	p.mu.Unlock()
	return d
}

// Min returns the floor of the configured window. The engine reports it when
// an account enters backoff.
func (p *Policy) Min() time.Duration {
	if p == nil {
		return 0
	}
	return p.min
}

// Max returns the ceiling of the configured window.
func (p *Policy) Max() time.Duration {
	if p == nil {
		return 0
	}
	return p.max
}

func (p *Policy) String() string {
	if p == nil || (p.min == 0 && p.max == 0) {
		return "none"
	}
	if p.min == p.max {
		return p.min.String()
	}
	return p.min.String() + "-" + p.max.String()
}
