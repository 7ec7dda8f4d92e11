package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrorDirName is the subdirectory of the persistence dir that holds queued reports.
const ErrorDirName = "flare-errors"

type Store struct {
	Dir                 string // persistence root; entries live in Dir/flare-errors
	MaxPersistedEntries int    // capacity of the durable queue
}

type Launch struct {
	WindowDuration time.Duration // 0 disables the launch path
	WaitTimeout    time.Duration // upper bound on the synchronous launch wait
	PollInterval   time.Duration // completion poll period during the launch wait
}

type Delivery struct {
	Endpoint        string        // collector URL
	APIKey          string        // project API key, also the origin key of new entries
	Timeout         time.Duration // per-request HTTP timeout
	SigningSecret   string        // optional HMAC secret for request signing
	SignatureHeader string        // HTTP header for the request signature
	TimestampHeader string        // HTTP header for the signing timestamp
	PayloadVersion  string        // value of the payload version header
}

type Tasks struct {
	DeliveryQueueSize int // queued units of work on the single-worker delivery lane
	DefaultWorkers    int // workers on the other lanes
	DefaultQueueSize  int // queue size on the other lanes
}

type Flush struct {
	Interval        time.Duration   // periodic re-flush interval while the queue is empty
	BackoffSchedule []time.Duration // re-flush delays while entries keep failing
	JitterPercent   float64         // backoff jitter percentage (0.0-1.0)
}

type NSQ struct {
	NsqdTCPAddr        string // e.g. nsqd:4150
	DiagnosticsTopic   string // topic for local failure reports
	DiagnosticsChannel string // channel used by diag-tail
	PublishDiagnostics bool   // whether the agent publishes local failure reports
}

type FakeCollector struct {
	FailFirstN           int           // Number of requests to fail initially
	SigningSecret        string        // Secret for request signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName       string
	HTTPPort      string // agent health and metrics listener
	Store         Store
	Launch        Launch
	Delivery      Delivery
	Tasks         Tasks
	Flush         Flush
	NSQ           NSQ
	FakeCollector FakeCollector
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getenvDuration accepts Go durations ("2s") or bare integers as milliseconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func getenvDurationList(key string, def []time.Duration) []time.Duration {
	if ds := parseDurationList(os.Getenv(key)); len(ds) > 0 {
		return ds
	}
	return def
}

func parseDurationList(list string) []time.Duration {
	if list == "" {
		return nil
	}

	parts := strings.Split(list, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}
	return durations
}

// DefaultBackoffSchedule is used when FLARE_BACKOFF_SCHEDULE is unset or unparseable.
func DefaultBackoffSchedule() []time.Duration {
	return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "flarebox"),
		HTTPPort: ":" + getenv("FLARE_HTTP_PORT", "8090"),
		Store: Store{
			Dir:                 getenv("FLARE_PERSISTENCE_DIR", filepath.Join(os.TempDir(), "flarebox")),
			MaxPersistedEntries: getenvInt("FLARE_MAX_PERSISTED_EVENTS", 32),
		},
		Launch: Launch{
			WindowDuration: getenvDuration("FLARE_LAUNCH_DURATION", 5*time.Second),
			WaitTimeout:    getenvDuration("FLARE_LAUNCH_WAIT_TIMEOUT", 2*time.Second),
			PollInterval:   getenvDuration("FLARE_LAUNCH_POLL_INTERVAL", 50*time.Millisecond),
		},
		Delivery: Delivery{
			Endpoint:        getenv("FLARE_ENDPOINT", "http://localhost:8091/notify"),
			APIKey:          getenv("FLARE_API_KEY", ""),
			Timeout:         getenvDuration("FLARE_DELIVERY_TIMEOUT", 15*time.Second),
			SigningSecret:   getenv("FLARE_SIGNING_SECRET", ""),
			SignatureHeader: getenv("FLARE_SIGNATURE_HEADER", "X-Flare-Signature"),
			TimestampHeader: getenv("FLARE_TIMESTAMP_HEADER", "X-Flare-Timestamp"),
			PayloadVersion:  getenv("FLARE_PAYLOAD_VERSION", "4.0"),
		},
		Tasks: Tasks{
			DeliveryQueueSize: getenvInt("FLARE_DELIVERY_QUEUE_SIZE", 8),
			DefaultWorkers:    getenvInt("FLARE_TASK_WORKERS", 2),
			DefaultQueueSize:  getenvInt("FLARE_TASK_QUEUE_SIZE", 64),
		},
		Flush: Flush{
			Interval:        getenvDuration("FLARE_FLUSH_INTERVAL", 5*time.Minute),
			BackoffSchedule: getenvDurationList("FLARE_BACKOFF_SCHEDULE", DefaultBackoffSchedule()),
			JitterPercent:   getenvFloat("FLARE_BACKOFF_JITTER_PCT", 0.25),
		},
		NSQ: NSQ{
			NsqdTCPAddr:        getenv("NSQD_TCP_ADDR", "localhost:4150"),
			DiagnosticsTopic:   getenv("NSQ_DIAGNOSTICS_TOPIC", "flare_diagnostics"),
			DiagnosticsChannel: getenv("NSQ_DIAGNOSTICS_CHANNEL", "diag-tail"),
			PublishDiagnostics: getenvBool("PUBLISH_DIAGNOSTICS", false),
		},
		FakeCollector: FakeCollector{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			SigningSecret:        getenv("FLARE_SIGNING_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_COLLECTOR_PORT", ":8091"),
			ReadTimeout:          getenvDuration("FAKE_COLLECTOR_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_COLLECTOR_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_COLLECTOR_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// ErrorDir is the directory holding queued error reports.
func (c Config) ErrorDir() string {
	return filepath.Join(c.Store.Dir, ErrorDirName)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("persistence dir must be set"))
	}
	if c.Store.MaxPersistedEntries < 1 {
		errs = append(errs, fmt.Errorf("max persisted entries must be positive, got %d", c.Store.MaxPersistedEntries))
	}
	if c.Launch.WindowDuration < 0 {
		errs = append(errs, fmt.Errorf("launch duration must not be negative, got %s", c.Launch.WindowDuration))
	}
	if c.Launch.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("launch wait timeout must not be negative, got %s", c.Launch.WaitTimeout))
	}
	if c.Launch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("launch poll interval must be positive, got %s", c.Launch.PollInterval))
	}
	if c.Delivery.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("delivery timeout must be positive, got %s", c.Delivery.Timeout))
	}
	if c.Tasks.DeliveryQueueSize < 1 || c.Tasks.DefaultQueueSize < 1 || c.Tasks.DefaultWorkers < 1 {
		errs = append(errs, errors.New("task lanes need at least one worker and a queue size of one"))
	}
	if c.Flush.JitterPercent < 0 || c.Flush.JitterPercent > 1 {
		errs = append(errs, fmt.Errorf("jitter percent must be within [0, 1], got %v", c.Flush.JitterPercent))
	}
	return errors.Join(errs...)
}
