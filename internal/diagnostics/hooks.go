package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/austindbirch/flarebox/internal/logging"
	"github.com/austindbirch/flarebox/internal/metrics"
	"github.com/austindbirch/flarebox/internal/queue"
)

// LogHook writes a structured log line per dropped entry.
type LogHook struct {
	Logger *logging.Logger
}

func (h LogHook) OnLocalFailure(ctx context.Context, err error, entry queue.Entry, detail string) {
	l := h.Logger
	if l == nil {
		l = logging.Default()
	}
	r := NewReport(ctx, err, entry, detail)
	l.WithContext(ctx).WithEntry(r.Entry).WithOrigin(r.OriginKey).
		WithField("detail", r.Detail).
		WithField("size", r.Size).
		WithField("launch_crash", r.LaunchCrash).
		WithError(err).
		Error("local failure")
	metrics.RecordDiagnosticsReport("log", "ok")
}

// Publisher is the subset of *nsq.Producer used by NSQHook.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQHook publishes a Report to topic for every dropped entry.
type NSQHook struct {
	Publisher Publisher
	Topic     string
	Logger    *logging.Logger
}

func (h NSQHook) OnLocalFailure(ctx context.Context, err error, entry queue.Entry, detail string) {
	l := h.Logger
	if l == nil {
		l = logging.Default()
	}
	if perr := h.publish(NewReport(ctx, err, entry, detail)); perr != nil {
		metrics.RecordDiagnosticsReport("nsq", "error")
		l.WithContext(ctx).WithEntry(entry.Name).WithField("topic", h.Topic).WithError(perr).
			Warn("failed to publish diagnostics report")
		return
	}
	metrics.RecordDiagnosticsReport("nsq", "ok")
}

func (h NSQHook) publish(r Report) error {
	if h.Publisher == nil {
		return fmt.Errorf("diagnostics: no publisher")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("diagnostics: marshal report: %w", err)
	}
	return h.Publisher.Publish(h.Topic, b)
}

// Sink is what the orchestrator calls on a local failure.
type Sink interface {
	OnLocalFailure(ctx context.Context, err error, entry queue.Entry, detail string)
}

// Multi fans a failure out to every sink in order. A panicking sink does
// not stop the rest.
type Multi []Sink

func (m Multi) OnLocalFailure(ctx context.Context, err error, entry queue.Entry, detail string) {
	for _, s := range m {
		callSink(ctx, s, err, entry, detail)
	}
}

func callSink(ctx context.Context, s Sink, err error, entry queue.Entry, detail string) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.WithContext(ctx).WithEntry(entry.Name).WithField("panic", fmt.Sprint(rec)).
				Error("diagnostics sink panicked")
		}
	}()
	s.OnLocalFailure(ctx, err, entry, detail)
}

// StoreHooks returns queue options that log and count store lifecycle events.
func StoreHooks(logger *logging.Logger) []queue.Option {
	if logger == nil {
		logger = logging.Default()
	}
	return []queue.Option{
		queue.WithEvictHook(func(e queue.Entry) {
			metrics.RecordEviction()
			logger.Plain().WithEntry(e.Name).WithField("size", e.Size).
				Warn("discarding oldest entry to stay within capacity")
		}),
		queue.WithCancelHook(func(e queue.Entry) {
			metrics.RecordCancel()
			logger.Plain().WithEntry(e.Name).Debug("cancelled report")
		}),
		queue.WithIOFailureHook(func(op string, e queue.Entry, err error) {
			metrics.RecordStoreIOFailure(op)
			logger.Plain().WithEntry(e.Name).WithField("op", op).WithError(err).
				Warn("store file operation failed")
		}),
		queue.WithDepthHook(metrics.SetQueueDepth),
	}
}
