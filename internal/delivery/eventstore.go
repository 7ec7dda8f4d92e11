package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/flarebox/internal/filename"
	"github.com/austindbirch/flarebox/internal/logging"
	"github.com/austindbirch/flarebox/internal/metrics"
	"github.com/austindbirch/flarebox/internal/queue"
	"github.com/austindbirch/flarebox/internal/tasks"
	"github.com/austindbirch/flarebox/internal/tracing"
)

const (
	DefaultLaunchWaitTimeout  = 2000 * time.Millisecond
	DefaultLaunchPollInterval = 50 * time.Millisecond

	// failureDetail is passed to Diagnostics for every dropped entry.
	failureDetail = "crash report deserialization"
)

// Submitter runs background work. *tasks.Runner implements it.
type Submitter interface {
	Submit(kind tasks.Kind, task tasks.Task) error
}

// Config controls the launch flush.
type Config struct {
	// LaunchWindow is the configured launch duration. Zero disables the
	// launch flush; only the trailing async flush runs.
	LaunchWindow time.Duration
	// WaitTimeout bounds how long FlushOnLaunch blocks the caller.
	WaitTimeout time.Duration
	// PollInterval is how often the caller checks for completion.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultLaunchWaitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultLaunchPollInterval
	}
	return c
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithConfig sets the launch flush settings.
func WithConfig(cfg Config) Option {
	return func(s *EventStore) { s.cfg = cfg }
}

// WithDiagnostics sets the collaborator told about dropped entries.
func WithDiagnostics(d Diagnostics) Option {
	return func(s *EventStore) { s.diag = d }
}

// WithParams sets how delivery params are built.
func WithParams(fn ParamsFunc) Option {
	return func(s *EventStore) { s.params = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *EventStore) { s.logger = l }
}

// WithLaunchState sets where Write takes the launch-crash flag from.
func WithLaunchState(ls LaunchState) Option {
	return func(s *EventStore) { s.launch = ls }
}

// WithClock replaces time.Now for naming new entries.
func WithClock(now func() time.Time) Option {
	return func(s *EventStore) { s.now = now }
}

// EventStore decides what to flush and when, drives each entry through the
// Client and updates the Store according to the outcome.
type EventStore struct {
	store  Store
	runner Submitter
	client Client

	cfg    Config
	diag   Diagnostics
	params ParamsFunc
	launch LaunchState
	logger *logging.Logger
	now    func() time.Time
}

// NewEventStore wires an orchestrator over store, running work on runner.
func NewEventStore(store Store, runner Submitter, client Client, opts ...Option) *EventStore {
	s := &EventStore{
		store:  store,
		runner: runner,
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	if s.logger == nil {
		s.logger = logging.Default()
	}
	if s.params == nil {
		s.params = func(Payload) (Params, error) { return Params{}, nil }
	}
	return s
}

// Write persists a new report from the capture side under a fresh name and
// returns that name. The launch-crash flag comes from the launch state.
func (s *EventStore) Write(originKey string, body []byte) (string, error) {
	launching := s.launch != nil && s.launch.IsLaunching()
	name, err := filename.Encode(filename.New(originKey, s.now(), launching))
	if err != nil {
		return "", fmt.Errorf("delivery: name report: %w", err)
	}
	if err := s.store.Put(name, body); err != nil {
		return "", fmt.Errorf("delivery: persist report: %w", err)
	}
	metrics.RecordWrite()
	return name, nil
}

// FlushOnLaunch sends launch-crash reports while blocking the caller for at
// most about WaitTimeout, then starts an async flush of everything else. The
// returned channel closes when that async flush completes.
func (s *EventStore) FlushOnLaunch(ctx context.Context) <-chan struct{} {
	if s.cfg.LaunchWindow != 0 {
		s.flushLaunchCrashes(ctx)
	}
	return s.FlushAsync(ctx)
}

// flushLaunchCrashes runs the launch pass on the delivery lane and blocks the
// caller only in the bounded poll. Every store access happens in the task.
func (s *EventStore) flushLaunchCrashes(ctx context.Context) {
	done := make(chan struct{})
	work := context.WithoutCancel(ctx)
	err := s.runner.Submit(tasks.KindDelivery, func(context.Context) {
		defer close(done)
		s.launchPass(work)
	})
	if err != nil {
		s.logger.WithContext(ctx).WithTaskKind(string(tasks.KindDelivery)).WithError(err).
			Warn("failed to flush launch crash reports")
		close(done)
	}

	s.awaitLaunchFlush(ctx, done)
}

// launchPass claims every entry, cancels those that are not launch crashes
// and delivers the rest.
func (s *EventStore) launchPass(ctx context.Context) {
	stored, err := s.store.Collect()
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to list stored reports for launch flush")
		return
	}

	var launch, others []queue.Entry
	for _, e := range stored {
		if filename.IsLaunchCrash(e.Name) {
			launch = append(launch, e)
		} else {
			others = append(others, e)
		}
	}

	if len(others) > 0 {
		if err := s.store.Cancel(others...); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("failed to cancel non-launch reports")
		}
	}

	if len(launch) == 0 {
		s.logger.WithContext(ctx).Debug("no startupcrash events to flush")
		return
	}

	s.logger.WithContext(ctx).WithField("count", len(launch)).Info("attempting to send launch crash reports")
	s.FlushReports(ctx, launch)
}

// awaitLaunchFlush polls done every PollInterval until it closes, WaitTimeout
// has elapsed or ctx ends. It never cancels the work.
func (s *EventStore) awaitLaunchFlush(ctx context.Context, done <-chan struct{}) {
	ctx, span := tracing.StartSpan(ctx, "flare.launch_wait")
	defer span.End()

	start := time.Now()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	completed := false
poll:
	for {
		select {
		case <-done:
			completed = true
			break poll
		default:
		}
		if time.Since(start) >= s.cfg.WaitTimeout {
			break poll
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			// a cancelled caller stops waiting at once instead of polling out the deadline
			break poll
		}
	}

	waited := time.Since(start)
	metrics.RecordLaunchWait(waited)
	span.SetAttributes(attribute.Bool("flare.launch_flush_completed", completed))
	s.logger.WithContext(ctx).
		WithField("waited_ms", waited.Milliseconds()).
		WithField("completed", completed).
		Info("continuing after launch crash flush")
}

// FlushAsync delivers every unclaimed entry on the delivery lane. The
// returned channel closes when the pass finishes, or at once if the lane
// rejected the work.
func (s *EventStore) FlushAsync(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	work := context.WithoutCancel(ctx)

	err := s.runner.Submit(tasks.KindDelivery, func(context.Context) {
		defer close(done)
		stored, err := s.store.Collect()
		if err != nil {
			s.logger.WithContext(work).WithError(err).Warn("failed to list stored reports")
			return
		}
		if len(stored) == 0 {
			s.logger.WithContext(work).Debug("no regular events to flush")
			return
		}
		s.FlushReports(work, stored)
	})
	if err != nil {
		s.logger.WithContext(ctx).WithTaskKind(string(tasks.KindDelivery)).WithError(err).
			Warn("failed to flush all on-disk errors, retaining unsent errors for later")
		close(done)
	}
	return done
}

// FlushReports delivers entries one at a time, in order, on the calling
// goroutine. The entries must already be claimed by the caller.
func (s *EventStore) FlushReports(ctx context.Context, entries []queue.Entry) {
	if len(entries) == 0 {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "flare.flush_pass", attribute.Int("flare.entries", len(entries)))
	defer span.End()

	s.logger.WithContext(ctx).WithField("count", len(entries)).Info("sending saved error reports")

	completed := 0
	for i, e := range entries {
		outcome, ok := s.flushEntry(ctx, e)
		if !ok {
			rest := entries[i+1:]
			s.store.Release(rest...)
			s.logger.WithContext(ctx).WithField("left", len(rest)+1).
				Warn("store closed, leaving error files for a later run")
			return
		}
		if outcome == Delivered {
			completed++
			s.logger.WithContext(ctx).WithEntry(e.Name).WithField("completed", completed).
				Info("deleting sent error file")
		}
	}
}

// flushEntry reports false when the store was closed under the pass. The
// entry is then released untouched.
func (s *EventStore) flushEntry(ctx context.Context, e queue.Entry) (Outcome, bool) {
	ctx, span := tracing.StartSpan(ctx, "flare.deliver", attribute.String("flare.entry", e.Name))
	defer span.End()

	start := time.Now()
	outcome, err := s.deliver(ctx, e)
	if errors.Is(err, queue.ErrClosed) {
		s.store.Release(e)
		span.SetAttributes(attribute.Bool("flare.store_closed", true))
		return 0, false
	}
	if err == nil && outcome == Failed {
		err = ErrDeliveryFailed
	}
	if err == nil && outcome != Delivered && outcome != Retryable {
		err = fmt.Errorf("%w: client returned outcome %d", ErrDeliveryFailed, outcome)
	}
	if err != nil {
		outcome = Failed
	}
	metrics.RecordDelivery(outcome.String(), time.Since(start))

	switch outcome {
	case Delivered:
		if derr := s.store.Delete(e); derr != nil {
			s.logger.WithContext(ctx).WithEntry(e.Name).WithError(derr).Warn("failed to delete sent error file")
		}
	case Retryable:
		s.store.Release(e)
		s.logger.WithContext(ctx).WithEntry(e.Name).
			Warn("could not send previously saved error, will try again later")
	default:
		tracing.SetSpanError(ctx, err)
		s.handleFailure(ctx, err, e)
	}
	return outcome, true
}

// deliver turns one entry into a client call. Every error it returns is local
// except queue.ErrClosed, which means the entry was never attempted.
func (s *EventStore) deliver(ctx context.Context, e queue.Entry) (Outcome, error) {
	id, ok := filename.Decode(e.Name)
	if !ok {
		return Failed, fmt.Errorf("%w: %s", ErrUnparseableName, e.Name)
	}
	body, err := s.store.Read(e)
	if errors.Is(err, queue.ErrClosed) {
		return 0, err
	}
	if err != nil {
		return Failed, fmt.Errorf("%w: %w", ErrReadPayload, err)
	}
	if len(body) == 0 {
		return Failed, fmt.Errorf("%w: %s", ErrEmptyPayload, e.Name)
	}

	payload := Payload{Entry: e, OriginKey: id.OriginKey, LaunchCrash: id.LaunchCrash, Body: body}
	params, err := s.params(payload)
	if err != nil {
		if !errors.Is(err, ErrParams) {
			err = fmt.Errorf("%w: %w", ErrParams, err)
		}
		return Failed, err
	}
	return s.callClient(ctx, payload, params)
}

func (s *EventStore) callClient(ctx context.Context, payload Payload, params Params) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome, err = Failed, fmt.Errorf("%w: %v", ErrClientPanic, rec)
		}
	}()
	return s.client.Deliver(ctx, payload, params)
}

// handleFailure reports the entry to diagnostics, then drops it.
func (s *EventStore) handleFailure(ctx context.Context, err error, e queue.Entry) {
	reason := failureReason(err)
	metrics.RecordLocalFailure(reason)
	s.logger.WithContext(ctx).WithEntry(e.Name).WithField("reason", reason).WithError(err).
		Error("dropping undeliverable error file")

	if s.diag != nil {
		s.notifyDiagnostics(ctx, err, e)
	}
	if derr := s.store.Delete(e); derr != nil {
		s.logger.WithContext(ctx).WithEntry(e.Name).WithError(derr).Warn("failed to delete undeliverable error file")
	}
}

func (s *EventStore) notifyDiagnostics(ctx context.Context, err error, e queue.Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.WithContext(ctx).WithEntry(e.Name).WithField("panic", fmt.Sprint(rec)).
				Error("diagnostics hook panicked")
		}
	}()
	s.diag.OnLocalFailure(ctx, err, e, failureDetail)
}
