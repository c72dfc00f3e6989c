// Package status tracks the device health indicator: a sticky warning for
// in-progress risky work and a self-clearing momentary error raised after
// a failed attempt, so normal operation resumes without operator action.
package status

import (
	"sync"
	"time"
)

type State string

const (
	OK      State = "ok"
	Warning State = "warning"
	Error   State = "error"
)

type Tracker struct {
	mu       sync.Mutex
	warning  bool
	errUntil time.Time
	errTag   string
	onChange func(State)
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// OnChange registers a single observer notified whenever the visible state
// changes. Used to mirror state onto the message bus.
func (t *Tracker) OnChange(fn func(State)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Tracker) SetWarning() {
	t.transition(func() { t.warning = true })
}

func (t *Tracker) ClearWarning() {
	t.transition(func() { t.warning = false })
}

// MomentaryError raises the error state for d, after which it clears on
// its own at the next Tick.
func (t *Tracker) MomentaryError(tag string, d time.Duration) {
	t.transition(func() {
		t.errTag = tag
		t.errUntil = time.Now().Add(d)
	})
}

// Tick expires a momentary error whose window has passed. Called once per
// scheduler pass.
func (t *Tracker) Tick() {
	t.transition(func() {
		if !t.errUntil.IsZero() && time.Now().After(t.errUntil) {
			t.errUntil = time.Time{}
			t.errTag = ""
		}
	})
}

func (t *Tracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentLocked()
}

func (t *Tracker) currentLocked() State {
	if !t.errUntil.IsZero() && time.Now().Before(t.errUntil) {
		return Error
	}
	if t.warning {
		return Warning
	}
	return OK
}

func (t *Tracker) transition(apply func()) {
	t.mu.Lock()
	before := t.currentLocked()
	apply()
	after := t.currentLocked()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil && before != after {
		fn(after)
	}
}
