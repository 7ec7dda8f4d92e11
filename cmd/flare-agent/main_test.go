package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/flarebox/internal/config"
	"github.com/austindbirch/flarebox/internal/logging"
)

func TestComputeDelay(t *testing.T) {
	schedule := []time.Duration{
		1 * time.Second,
		4 * time.Second,
		16 * time.Second,
		1 * time.Minute,
	}

	tests := []struct {
		name      string
		attempt   int
		jitterPct float64
		wantBase  time.Duration
	}{
		{name: "first attempt", attempt: 1, wantBase: time.Second},
		{name: "attempt within schedule", attempt: 3, wantBase: 16 * time.Second},
		{name: "attempt beyond schedule", attempt: 10, wantBase: time.Minute},
		{name: "zero attempt", attempt: 0, wantBase: time.Second},
		{name: "negative attempt", attempt: -1, wantBase: time.Second},
		{name: "with jitter", attempt: 2, jitterPct: 0.5, wantBase: 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := computeDelay(tt.attempt, schedule, tt.jitterPct)
			if tt.jitterPct == 0 {
				if result != tt.wantBase {
					t.Errorf("computeDelay() = %v, want %v", result, tt.wantBase)
				}
				return
			}
			minExpected := time.Duration(float64(tt.wantBase) * (1 - tt.jitterPct))
			maxExpected := time.Duration(float64(tt.wantBase) * (1 + tt.jitterPct))
			if result < minExpected || result > maxExpected {
				t.Errorf("computeDelay() = %v, want between %v and %v", result, minExpected, maxExpected)
			}
		})
	}
}

func TestComputeDelayEmptySchedule(t *testing.T) {
	want := config.DefaultBackoffSchedule()[0]
	if got := computeDelay(1, nil, 0); got != want {
		t.Errorf("computeDelay() = %v, want %v", got, want)
	}
}

func testConfig(t *testing.T, endpoint string) config.Config {
	t.Helper()
	return config.Config{
		AppName:  "flarebox",
		HTTPPort: ":0",
		Store:    config.Store{Dir: t.TempDir(), MaxPersistedEntries: 10},
		Launch: config.Launch{
			WindowDuration: time.Second,
			WaitTimeout:    500 * time.Millisecond,
			PollInterval:   10 * time.Millisecond,
		},
		Delivery: config.Delivery{
			Endpoint:       endpoint,
			APIKey:         "test-key",
			Timeout:        2 * time.Second,
			SigningSecret:  "secret",
			PayloadVersion: "4.0",
		},
		Tasks: config.Tasks{DeliveryQueueSize: 8, DefaultWorkers: 1, DefaultQueueSize: 8},
		Flush: config.Flush{
			Interval:        time.Hour,
			BackoffSchedule: []time.Duration{10 * time.Millisecond},
		},
	}
}

func waitForEmpty(t *testing.T, a *agent, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n, err := a.pending(); err == nil && n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	n, _ := a.pending()
	t.Fatalf("store still holds %d entries after %v", n, timeout)
}

func TestAgentFlushOnLaunchDeliversLaunchCrash(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Flare-Signature") == "" {
			t.Errorf("request was not signed")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	a, err := newAgent(cfg, logging.NewWithOutput("test", io.Discard))
	if err != nil {
		t.Fatalf("newAgent() error = %v", err)
	}
	defer a.close(context.Background())

	if _, err := a.events.Write(cfg.Delivery.APIKey, []byte(`{"crash":true}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case <-a.events.FlushOnLaunch(context.Background()):
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not complete")
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("collector hits = %d, want 1", got)
	}
	waitForEmpty(t, a, time.Second)
}

func TestAgentFlushLoopRetriesUntilDelivered(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Launch.WindowDuration = 0
	a, err := newAgent(cfg, logging.NewWithOutput("test", io.Discard))
	if err != nil {
		t.Fatalf("newAgent() error = %v", err)
	}
	defer a.close(context.Background())

	if _, err := a.events.Write(cfg.Delivery.APIKey, []byte(`{}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.flushLoop(ctx, a.events.FlushOnLaunch(ctx)) }()

	waitForEmpty(t, a, 5*time.Second)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("flushLoop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flushLoop did not stop after cancel")
	}
	if got := hits.Load(); got < 3 {
		t.Errorf("collector hits = %d, want at least 3", got)
	}
}

func TestAgentFlushLoopStopsBeforeFirstFlush(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/notify")
	a, err := newAgent(cfg, logging.NewWithOutput("test", io.Discard))
	if err != nil {
		t.Fatalf("newAgent() error = %v", err)
	}
	defer a.close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.flushLoop(ctx, make(chan struct{})); err != nil {
		t.Errorf("flushLoop() error = %v", err)
	}
}
