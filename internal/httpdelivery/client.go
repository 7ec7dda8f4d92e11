// Package httpdelivery sends queued reports to a collector over HTTP.
package httpdelivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/flarebox/internal/delivery"
	"github.com/austindbirch/flarebox/internal/logging"
	"github.com/austindbirch/flarebox/internal/metrics"
	"github.com/austindbirch/flarebox/internal/tracing"
)

const (
	DefaultSignatureHeader = "X-Flare-Signature" // sha256=<hex>
	DefaultTimestampHeader = "X-Flare-Timestamp" // unix seconds

	defaultTimeout = 15 * time.Second
)

// ErrBuildRequest means the request could not be constructed; retrying will not help.
var ErrBuildRequest = errors.New("httpdelivery: cannot build request")

// Client POSTs payloads and maps the response to a delivery.Outcome.
type Client struct {
	http            *http.Client
	secret          []byte
	signatureHeader string
	timestampHeader string
	logger          *logging.Logger
	now             func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client with a 15s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithSigning signs each request with HMAC-SHA256 over body||timestamp.
func WithSigning(secret, signatureHeader, timestampHeader string) Option {
	return func(c *Client) {
		c.secret = []byte(secret)
		if signatureHeader != "" {
			c.signatureHeader = signatureHeader
		}
		if timestampHeader != "" {
			c.timestampHeader = timestampHeader
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a Client.
func New(opts ...Option) *Client {
	c := &Client{
		http:            &http.Client{Timeout: defaultTimeout},
		signatureHeader: DefaultSignatureHeader,
		timestampHeader: DefaultTimestampHeader,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	return c
}

// Deliver implements delivery.Client.
//
// 2xx is Delivered. 408, 429 and 5xx are Retryable, as is any transport
// error. Other 4xx responses are Failed. A request that cannot be built is
// Failed with an error.
func (c *Client) Deliver(ctx context.Context, p delivery.Payload, params delivery.Params) (delivery.Outcome, error) {
	req, err := c.newRequest(ctx, p, params)
	if err != nil {
		return delivery.Failed, err
	}

	tracing.AddSpanEvent(ctx, "http.send_report")
	start := time.Now()
	resp, doErr := c.http.Do(req)
	latency := time.Since(start)

	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}

	metrics.RecordHTTPDelivery(statusClass(doErr, status), latency)
	tracing.AddSpanEvent(ctx, "http.response",
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	outcome := outcomeFor(doErr, status)
	if outcome == delivery.Retryable {
		reason := classifyReason(doErr, status)
		metrics.RecordRetry(reason)
		entry := c.logger.WithContext(ctx).WithEntry(p.Entry.Name).WithField("reason", reason)
		if status > 0 {
			entry = entry.WithField("http_status", status)
		}
		entry.WithError(doErr).Warn("report not accepted, keeping for retry")
	}
	if outcome == delivery.Failed {
		c.logger.WithContext(ctx).WithEntry(p.Entry.Name).WithField("http_status", status).
			Warn("collector rejected report")
	}
	return outcome, nil
}

func (c *Client) newRequest(ctx context.Context, p delivery.Payload, params delivery.Params) (*http.Request, error) {
	if params.Endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrBuildRequest)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, params.Endpoint, bytes.NewReader(p.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildRequest, err)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBuildRequest, req.URL.Scheme)
	}

	for k, v := range params.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if len(c.secret) > 0 {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		req.Header.Set(c.timestampHeader, ts)
		req.Header.Set(c.signatureHeader, "sha256="+Sign(c.secret, p.Body, ts))
	}

	for k, v := range tracing.InjectHeaders(ctx) {
		req.Header.Set(k, v)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	return req, nil
}

// Sign returns the hex HMAC-SHA256 of body||ts.
func Sign(secret, body []byte, ts string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

func outcomeFor(doErr error, status int) delivery.Outcome {
	switch {
	case doErr != nil:
		return delivery.Retryable
	case status >= 200 && status < 300:
		return delivery.Delivered
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return delivery.Retryable
	case status >= 400 && status < 500:
		return delivery.Failed
	case status >= 500:
		return delivery.Retryable
	}
	// 1xx and 3xx that were not followed
	return delivery.Failed
}

func statusClass(doErr error, status int) string {
	if doErr != nil {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == http.StatusTooManyRequests {
		return "http_429"
	}
	if status == http.StatusRequestTimeout {
		return "http_408"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
