package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/flarebox/internal/config"
	"github.com/austindbirch/flarebox/internal/diagnostics"
	"github.com/austindbirch/flarebox/internal/logging"
	"github.com/austindbirch/flarebox/internal/tracing"
)

const serviceName = "diag-tail"

// tail logs and counts diagnostics reports from the agents.
type tail struct {
	logger   *logging.Logger
	received *prometheus.CounterVec
	invalid  prometheus.Counter
}

func newTail(logger *logging.Logger, reg prometheus.Registerer) *tail {
	t := &tail{
		logger: logger,
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flare_diag_reports_received_total",
			Help: "Diagnostics reports received, by failing stage and launch flag",
		}, []string{"detail", "launch_crash"}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flare_diag_reports_invalid_total",
			Help: "Diagnostics messages that could not be decoded",
		}),
	}
	reg.MustRegister(t.received, t.invalid)
	return t
}

// HandleMessage implements nsq.Handler. Bad payloads are finished, never requeued.
func (t *tail) HandleMessage(m *nsq.Message) error {
	t.handle(context.Background(), m.Body)
	return nil
}

func (t *tail) handle(ctx context.Context, body []byte) {
	var r diagnostics.Report
	if err := json.Unmarshal(body, &r); err != nil || r.Type != diagnostics.ReportType {
		t.invalid.Inc()
		if err == nil {
			err = fmt.Errorf("unexpected report type %q", r.Type)
		}
		t.logger.Plain().WithError(err).Warn("bad diagnostics payload")
		return
	}

	ctx = tracing.ExtractHeaders(ctx, r.Trace)
	ctx, span := tracing.StartSpan(ctx, "diag.report",
		attribute.String("flare.entry", r.Entry),
		attribute.String("flare.detail", r.Detail),
	)
	defer span.End()

	t.received.WithLabelValues(r.Detail, fmt.Sprint(r.LaunchCrash)).Inc()
	t.logger.WithContext(ctx).WithEntry(r.Entry).WithOrigin(r.OriginKey).
		WithFields(map[string]any{
			"at":           r.At,
			"detail":       r.Detail,
			"error":        r.Error,
			"size":         r.Size,
			"launch_crash": r.LaunchCrash,
			"version":      r.Version,
		}).
		Info("local failure reported")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	logger := logging.New(serviceName)
	if err := run(logger); err != nil {
		logger.Plain().WithError(err).Fatal("diag-tail stopped with error")
	}
}

func run(logger *logging.Logger) error {
	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	t := newTail(logger, reg)

	consumer, err := nsq.NewConsumer(cfg.NSQ.DiagnosticsTopic, cfg.NSQ.DiagnosticsChannel, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("nsq consumer creation failed: %w", err)
	}
	consumer.AddHandler(t)
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd failed: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	httpSrv := &http.Server{Addr: getEnv("DIAG_TAIL_PORT", ":8092"), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).
			WithField("topic", cfg.NSQ.DiagnosticsTopic).
			Info("diag-tail started")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		consumer.Stop()
		<-consumer.StopChan
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Plain().Info("diag-tail stopped")
	return err
}
