package main

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/austindbirch/flarebox/internal/config"
	"github.com/austindbirch/flarebox/internal/delivery"
	"github.com/austindbirch/flarebox/internal/httpdelivery"
	"github.com/austindbirch/flarebox/internal/logging"
)

const (
	sigHeader = httpdelivery.DefaultSignatureHeader
	tsHeader  = httpdelivery.DefaultTimestampHeader
)

// collector accepts reports the way the real error API would, with optional
// signature checks and injected failures.
type collector struct {
	failFirstN int
	secret     string
	maxSkew    time.Duration
	delay      time.Duration
	logger     *logging.Logger

	reqCount atomic.Int64
	accepted atomic.Int64
	now      func() time.Time
}

func newCollector(cfg config.FakeCollector, logger *logging.Logger) *collector {
	return &collector{
		failFirstN: cfg.FailFirstN,
		secret:     cfg.SigningSecret,
		maxSkew:    time.Duration(cfg.SigningLeewaySeconds) * time.Second,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *collector) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/notify", c.handleNotify)
	return mux
}

func (c *collector) handleNotify(w http.ResponseWriter, r *http.Request) {
	n := c.reqCount.Add(1)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	log := c.logger.Plain().WithOrigin(r.Header.Get(delivery.HeaderAPIKey)).WithField("request", n)

	if r.Header.Get(delivery.HeaderAPIKey) == "" {
		log.Warn("rejecting report without api key")
		http.Error(w, "missing api key", http.StatusUnauthorized)
		return
	}
	if got := r.Header.Get(delivery.HeaderIntegrity); got != "" && got != delivery.Integrity(b) {
		log.Warn("rejecting report with integrity mismatch")
		http.Error(w, "integrity mismatch", http.StatusBadRequest)
		return
	}
	if c.secret != "" {
		if err := verifySignature(c.secret, b, r.Header.Get(tsHeader), r.Header.Get(sigHeader), c.maxSkew, c.now()); err != nil {
			log.WithError(err).Warn("failed to verify signature")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(c.failFirstN) {
		log.WithField("body", truncate(string(b), 160)).Infof("FAILING (%d/%d)", n, c.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	c.accepted.Add(1)
	log.WithField("bytes", len(b)).
		WithField("payload_version", r.Header.Get(delivery.HeaderPayloadVersion)).
		WithField("body", truncate(string(b), 160)).
		Info("report accepted")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

var (
	errMissingHeaders = errors.New("missing headers")
	errBadTimestamp   = errors.New("invalid timestamp")
	errSkew           = errors.New("timestamp too far from now (outside leeway)")
	errMismatch       = errors.New("sig mismatch")
)

func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration, now time.Time) error {
	if ts == "" || sigHeaderVal == "" {
		return errMissingHeaders
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errBadTimestamp
	}
	// reject if timestamp is too old/new
	if abs64(now.Unix()-unix) > int64(leeway.Seconds()) {
		return errSkew
	}
	got := strings.TrimPrefix(sigHeaderVal, "sha256=")
	want := httpdelivery.Sign([]byte(secret), body, ts)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return errMismatch
	}
	return nil
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-collector")
	c := newCollector(cfg.FakeCollector, logger)

	srv := &http.Server{
		Addr:         cfg.FakeCollector.Port,
		Handler:      c.routes(),
		ReadTimeout:  cfg.FakeCollector.ReadTimeout,
		WriteTimeout: cfg.FakeCollector.WriteTimeout,
		IdleTimeout:  cfg.FakeCollector.IdleTimeout,
	}
	logger.Plain().WithField("addr", srv.Addr).WithField("fail_first_n", c.failFirstN).
		Info("fake-collector listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-collector failed")
	}
}
