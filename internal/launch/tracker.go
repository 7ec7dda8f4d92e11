// Package launch tracks whether the host process is still in its launch window.
package launch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/flarebox/internal/logging"
)

// Tracker starts out launching. The launch completes when the window elapses
// or MarkCompleted is called, whichever comes first. A zero window never
// completes on its own.
type Tracker struct {
	launching atomic.Bool
	started   time.Time
	timer     *time.Timer
	logger    *logging.Logger

	once      sync.Once
	mu        sync.Mutex
	observers []func()
}

// NewTracker starts the launch window. logger may be nil.
func NewTracker(window time.Duration, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	t := &Tracker{started: time.Now(), logger: logger}
	t.launching.Store(true)
	if window > 0 {
		t.timer = time.AfterFunc(window, t.MarkCompleted)
	}
	return t
}

// IsLaunching reports whether the launch window is still open.
func (t *Tracker) IsLaunching() bool {
	return t.launching.Load()
}

// MarkCompleted ends the launch window. Later calls do nothing.
func (t *Tracker) MarkCompleted() {
	t.once.Do(func() {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.launching.Store(false)

		t.mu.Lock()
		observers := t.observers
		t.observers = nil
		t.mu.Unlock()
		for _, fn := range observers {
			fn()
		}

		t.logger.Plain().
			WithField("launch_ms", time.Since(t.started).Milliseconds()).
			Debug("launch period marked as complete")
	})
}

// OnCompleted registers fn to run once the launch completes. If it already
// has, fn runs immediately.
func (t *Tracker) OnCompleted(fn func()) {
	t.mu.Lock()
	if t.IsLaunching() {
		t.observers = append(t.observers, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

// Stop cancels the pending timer without completing the launch.
func (t *Tracker) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
