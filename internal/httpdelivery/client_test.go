package httpdelivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/flarebox/internal/delivery"
	"github.com/austindbirch/flarebox/internal/logging"
	"github.com/austindbirch/flarebox/internal/queue"
)

func quietLogger() *logging.Logger {
	return logging.NewWithOutput("test", io.Discard)
}

func testPayload(body string) delivery.Payload {
	return delivery.Payload{
		Entry:     queue.Entry{Name: "1700000000000_key_00000000-0000-0000-0000-000000000001_standard.json"},
		OriginKey: "key",
		Body:      []byte(body),
	}
}

func TestDeliverStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   delivery.Outcome
	}{
		{http.StatusOK, delivery.Delivered},
		{http.StatusAccepted, delivery.Delivered},
		{http.StatusBadRequest, delivery.Failed},
		{http.StatusUnauthorized, delivery.Failed},
		{http.StatusNotFound, delivery.Failed},
		{http.StatusRequestTimeout, delivery.Retryable},
		{http.StatusTooManyRequests, delivery.Retryable},
		{http.StatusInternalServerError, delivery.Retryable},
		{http.StatusServiceUnavailable, delivery.Retryable},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(WithLogger(quietLogger()))
			got, err := c.Deliver(context.Background(), testPayload("{}"), delivery.Params{Endpoint: srv.URL})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeliverSendsBodyAndHeaders(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
		gotMethod  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithLogger(quietLogger()))
	params := delivery.Params{
		Endpoint: srv.URL,
		Headers: map[string]string{
			delivery.HeaderAPIKey:    "key",
			delivery.HeaderIntegrity: delivery.Integrity([]byte(`{"a":1}`)),
			"X-Empty":                "",
		},
	}
	outcome, err := c.Deliver(context.Background(), testPayload(`{"a":1}`), params)
	require.NoError(t, err)
	assert.Equal(t, delivery.Delivered, outcome)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"a":1}`, string(gotBody))
	assert.Equal(t, "key", gotHeaders.Get(delivery.HeaderAPIKey))
	assert.Equal(t, delivery.Integrity([]byte(`{"a":1}`)), gotHeaders.Get(delivery.HeaderIntegrity))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Empty(t, gotHeaders.Values("X-Empty"))
	assert.Empty(t, gotHeaders.Get(DefaultSignatureHeader), "unsigned without a secret")
}

func TestDeliverSignsRequest(t *testing.T) {
	const secret = "s3cret"
	fixed := time.Unix(1700000000, 0)

	var sig, ts string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Sig")
		ts = r.Header.Get("X-Ts")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithLogger(quietLogger()), WithSigning(secret, "X-Sig", "X-Ts"))
	c.now = func() time.Time { return fixed }

	_, err := c.Deliver(context.Background(), testPayload("body"), delivery.Params{Endpoint: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, "1700000000", ts)
	assert.Equal(t, "sha256="+Sign([]byte(secret), []byte("body"), ts), sig)
}

func TestDeliverSigningDefaultsHeaders(t *testing.T) {
	c := New(WithSigning("x", "", ""))
	assert.Equal(t, DefaultSignatureHeader, c.signatureHeader)
	assert.Equal(t, DefaultTimestampHeader, c.timestampHeader)
}

func TestSignIsStable(t *testing.T) {
	a := Sign([]byte("k"), []byte("body"), "1")
	b := Sign([]byte("k"), []byte("body"), "1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Sign([]byte("k"), []byte("body"), "2"))
	assert.NotEqual(t, a, Sign([]byte("other"), []byte("body"), "1"))
}

func TestDeliverNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(WithLogger(quietLogger()))
	outcome, err := c.Deliver(context.Background(), testPayload("{}"), delivery.Params{Endpoint: url})
	require.NoError(t, err)
	assert.Equal(t, delivery.Retryable, outcome)
}

func TestDeliverTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(WithLogger(quietLogger()), WithTimeout(50*time.Millisecond))
	outcome, err := c.Deliver(context.Background(), testPayload("{}"), delivery.Params{Endpoint: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, delivery.Retryable, outcome)
}

func TestDeliverBadRequestIsLocalFailure(t *testing.T) {
	c := New(WithLogger(quietLogger()))

	for _, endpoint := range []string{"", "ftp://example.com/x", "http://[::1"} {
		outcome, err := c.Deliver(context.Background(), testPayload("{}"), delivery.Params{Endpoint: endpoint})
		assert.Equal(t, delivery.Failed, outcome, endpoint)
		assert.True(t, errors.Is(err, ErrBuildRequest), endpoint)
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"timeout", errors.New("Client.Timeout exceeded"), 0, "timeout"},
		{"deadline", context.DeadlineExceeded, 0, "timeout"},
		{"refused", errors.New("dial tcp: connection refused"), 0, "connection_refused"},
		{"dns", errors.New("lookup x: no such host"), 0, "dns_error"},
		{"network", errors.New("EOF"), 0, "network"},
		{"5xx", nil, 502, "http_5xx"},
		{"429", nil, 429, "http_429"},
		{"408", nil, 408, "http_408"},
		{"4xx", nil, 404, "http_4xx"},
		{"other", nil, 302, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyReason(tt.err, tt.status))
		})
	}
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(nil, 204))
	assert.Equal(t, "5xx", statusClass(nil, 503))
	assert.Equal(t, "error", statusClass(errors.New("x"), 0))
}

func TestOutcomeForUnfollowedRedirect(t *testing.T) {
	assert.Equal(t, delivery.Failed, outcomeFor(nil, http.StatusFound))
}
