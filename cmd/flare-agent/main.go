package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/flarebox/internal/config"
	"github.com/austindbirch/flarebox/internal/delivery"
	"github.com/austindbirch/flarebox/internal/diagnostics"
	"github.com/austindbirch/flarebox/internal/health"
	"github.com/austindbirch/flarebox/internal/httpdelivery"
	"github.com/austindbirch/flarebox/internal/launch"
	"github.com/austindbirch/flarebox/internal/logging"
	"github.com/austindbirch/flarebox/internal/metrics"
	"github.com/austindbirch/flarebox/internal/queue"
	"github.com/austindbirch/flarebox/internal/tasks"
	"github.com/austindbirch/flarebox/internal/tracing"
)

const serviceName = "flare-agent"

// agent owns everything the process runs.
type agent struct {
	cfg      config.Config
	logger   *logging.Logger
	store    *queue.Store
	runner   *tasks.Runner
	tracker  *launch.Tracker
	events   *delivery.EventStore
	producer *nsq.Producer
}

func newAgent(cfg config.Config, logger *logging.Logger) (*agent, error) {
	opts := append(diagnostics.StoreHooks(logger), queue.WithMaxCount(cfg.Store.MaxPersistedEntries))
	store, err := queue.Open(cfg.ErrorDir(), opts...)
	if err != nil {
		return nil, err
	}

	runner := tasks.New(
		tasks.WithLogger(logger),
		tasks.WithLane(tasks.KindDelivery, 1, cfg.Tasks.DeliveryQueueSize),
		tasks.WithLane(tasks.KindSession, 1, cfg.Tasks.DefaultQueueSize),
		tasks.WithLane(tasks.KindIO, cfg.Tasks.DefaultWorkers, cfg.Tasks.DefaultQueueSize),
		tasks.WithLane(tasks.KindDefault, cfg.Tasks.DefaultWorkers, cfg.Tasks.DefaultQueueSize),
	)

	a := &agent{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		runner:  runner,
		tracker: launch.NewTracker(cfg.Launch.WindowDuration, logger),
	}

	sinks := diagnostics.Multi{diagnostics.LogHook{Logger: logger}}
	if cfg.NSQ.PublishDiagnostics {
		a.producer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		sinks = append(sinks, diagnostics.NSQHook{Publisher: a.producer, Topic: cfg.NSQ.DiagnosticsTopic, Logger: logger})
	}

	client := httpdelivery.New(
		httpdelivery.WithLogger(logger),
		httpdelivery.WithTimeout(cfg.Delivery.Timeout),
		httpdelivery.WithSigning(cfg.Delivery.SigningSecret, cfg.Delivery.SignatureHeader, cfg.Delivery.TimestampHeader),
	)

	a.events = delivery.NewEventStore(store, runner, client,
		delivery.WithConfig(delivery.Config{
			LaunchWindow: cfg.Launch.WindowDuration,
			WaitTimeout:  cfg.Launch.WaitTimeout,
			PollInterval: cfg.Launch.PollInterval,
		}),
		delivery.WithParams(delivery.DefaultParams(cfg.Delivery.Endpoint, cfg.Delivery.PayloadVersion)),
		delivery.WithDiagnostics(sinks),
		delivery.WithLaunchState(a.tracker),
		delivery.WithLogger(logger),
	)
	return a, nil
}

// flushLoop re-flushes the store until ctx ends. While entries remain it backs
// off along the schedule; once the store drains it waits the full interval.
func (a *agent) flushLoop(ctx context.Context, first <-chan struct{}) error {
	select {
	case <-first:
	case <-ctx.Done():
		return nil
	}

	attempt := 0
	for {
		delay := a.cfg.Flush.Interval
		if depth, err := a.pending(); err != nil || depth > 0 {
			attempt++
			delay = computeDelay(attempt, a.cfg.Flush.BackoffSchedule, a.cfg.Flush.JitterPercent)
			a.logger.WithContext(ctx).WithField("pending", depth).WithField("attempt", attempt).
				WithField("delay_ms", delay.Milliseconds()).Info("reports remain, scheduling retry")
		} else {
			attempt = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		select {
		case <-a.events.FlushAsync(ctx):
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *agent) pending() (int, error) {
	entries, err := a.store.List()
	return len(entries), err
}

func (a *agent) close(ctx context.Context) {
	a.tracker.Stop()
	if err := a.runner.Shutdown(ctx); err != nil {
		a.logger.Plain().WithError(err).Warn("task runner did not drain before deadline")
	}
	if a.producer != nil {
		a.producer.Stop()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Plain().WithError(err).Warn("failed to release store lock")
	}
}

func main() {
	logger := logging.New(serviceName)
	if err := run(logger); err != nil {
		logger.Plain().WithError(err).Fatal("agent stopped with error")
	}
}

func run(logger *logging.Logger) error {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	a, err := newAgent(cfg, logger)
	if err != nil {
		return fmt.Errorf("agent setup: %w", err)
	}

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(a.store))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("agent HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("agent HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		first := a.events.FlushOnLaunch(gctx)
		logger.Plain().WithField("dir", a.store.Dir()).Info("agent started")
		return a.flushLoop(gctx, first)
	})

	err = g.Wait()

	logger.Plain().Info("Shutting down agent")
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Delivery.Timeout+time.Second)
	defer cancel()
	a.close(drainCtx)
	logger.Plain().Info("agent stopped")
	return err
}

func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	if len(schedule) == 0 {
		schedule = config.DefaultBackoffSchedule()
	}
	// attempt is 1-based; map to schedule index
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	// jitter: +/- jitterPct
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}
