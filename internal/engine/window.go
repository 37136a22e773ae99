package engine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Window is a recurring engagement window: a cron expression marks when a
// window opens and Duration says how long it stays open. Outside the window
// the scheduler holds all dispatch and sleeps until the next opening.
type Window struct {
	sched cron.Schedule
	dur   time.Duration
}

// ParseWindow builds a Window from a standard 5-field cron spec.
func ParseWindow(spec string, dur time.Duration) (*Window, error) {
	if dur <= 0 {
		return nil, fmt.Errorf("engine: window duration must be > 0")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid window spec %q: %w", spec, err)
	}
	return &Window{sched: sched, dur: dur}, nil
}

// Open reports whether now falls inside an active window. A nil Window is
// always open.
func (w *Window) Open(now time.Time) bool {
	if w == nil {
		return true
	}
	// An activation within the last dur means the window is still running.
	a := w.sched.Next(now.Add(-w.dur))
	return !a.After(now)
}

// NextOpen returns when dispatch may resume: now if the window is open,
// otherwise the next activation.
func (w *Window) NextOpen(now time.Time) time.Time {
	if w.Open(now) {
		return now
	}
	return w.sched.Next(now)
}
