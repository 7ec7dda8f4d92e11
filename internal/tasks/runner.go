// Package tasks runs background work on bounded, per-kind lanes.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/austindbirch/flarebox/internal/logging"
	"github.com/austindbirch/flarebox/internal/metrics"
)

// Kind selects the lane a task runs on.
type Kind string

const (
	KindDelivery Kind = "delivery"
	KindSession  Kind = "session"
	KindIO       Kind = "io"
	KindDefault  Kind = "default"
)

var (
	ErrRejected    = errors.New("tasks: lane full")
	ErrClosed      = errors.New("tasks: runner shut down")
	ErrUnknownKind = errors.New("tasks: unknown kind")
)

// Task is a unit of background work.
type Task func(ctx context.Context)

type lane struct {
	kind    Kind
	workers int
	queue   chan Task
}

// Runner executes tasks on a fixed set of lanes. Each lane has its own
// workers and queue, so a saturated lane never delays another.
type Runner struct {
	lanes  map[Kind]*lane
	logger *logging.Logger
	ctx    context.Context

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type laneConfig struct {
	workers   int
	queueSize int
}

type options struct {
	lanes  map[Kind]laneConfig
	logger *logging.Logger
}

// Option configures a Runner.
type Option func(*options)

// WithLane overrides the worker count and queue size of a lane.
func WithLane(kind Kind, workers, queueSize int) Option {
	return func(o *options) {
		o.lanes[kind] = laneConfig{workers: workers, queueSize: queueSize}
	}
}

// WithLogger sets the logger used for panics.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func defaultLanes() map[Kind]laneConfig {
	return map[Kind]laneConfig{
		KindDelivery: {workers: 1, queueSize: 8},
		KindSession:  {workers: 1, queueSize: 16},
		KindIO:       {workers: 2, queueSize: 64},
		KindDefault:  {workers: 2, queueSize: 64},
	}
}

// New starts the workers of every lane.
func New(opts ...Option) *Runner {
	o := options{lanes: defaultLanes()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}

	r := &Runner{
		lanes:  make(map[Kind]*lane, len(o.lanes)),
		logger: o.logger,
		ctx:    context.Background(),
	}
	for kind, cfg := range o.lanes {
		if cfg.workers < 1 {
			cfg.workers = 1
		}
		if cfg.queueSize < 1 {
			cfg.queueSize = 1
		}
		l := &lane{kind: kind, workers: cfg.workers, queue: make(chan Task, cfg.queueSize)}
		r.lanes[kind] = l
		for i := 0; i < l.workers; i++ {
			r.wg.Add(1)
			go r.work(l, i)
		}
	}
	return r
}

// Submit enqueues task on the lane for kind. It never blocks: a full lane
// returns ErrRejected and a shut down runner returns ErrClosed.
func (r *Runner) Submit(kind Kind, task Task) error {
	l, ok := r.lanes[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.RecordTaskRejected(string(kind))
		return ErrClosed
	}

	select {
	case l.queue <- task:
		metrics.RecordTaskSubmitted(string(kind))
		return nil
	default:
		metrics.RecordTaskRejected(string(kind))
		return fmt.Errorf("%w: %s", ErrRejected, kind)
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. Running tasks are not cancelled; if ctx ends first, Shutdown
// returns ctx.Err() and the workers keep draining in the background.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, l := range r.lanes {
			close(l.queue)
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) work(l *lane, worker int) {
	defer r.wg.Done()
	for task := range l.queue {
		r.run(l, worker, task)
	}
}

func (r *Runner) run(l *lane, worker int, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Plain().
				WithTaskKind(string(l.kind)).
				WithField("worker", worker).
				WithField("panic", fmt.Sprint(rec)).
				WithField("stack", string(debug.Stack())).
				Error("background task panicked")
		}
	}()
	task(r.ctx)
}
