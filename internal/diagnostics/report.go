// Package diagnostics reports entries the agent had to drop and observes
// store lifecycle events.
package diagnostics

import (
	"context"
	"time"

	"github.com/austindbirch/flarebox/internal/filename"
	"github.com/austindbirch/flarebox/internal/queue"
	"github.com/austindbirch/flarebox/internal/tracing"
)

const ReportType = "flare.local_failure"

type Report struct {
	Type        string            `json:"type"`    // "flare.local_failure"
	Version     string            `json:"version"` // schema version
	At          string            `json:"at"`      // RFC3339 time the report was built
	Detail      string            `json:"detail"`  // stage that failed
	Error       string            `json:"error,omitempty"`
	Entry       string            `json:"entry"`
	Size        int64             `json:"size,omitempty"`
	OriginKey   string            `json:"origin_key,omitempty"`
	LaunchCrash bool              `json:"launch_crash,omitempty"`
	Trace       map[string]string `json:"trace,omitempty"` // propagation headers of the failing span
}

func NewReport(ctx context.Context, err error, entry queue.Entry, detail string) Report {
	r := Report{
		Type:    ReportType,
		Version: "v1",
		At:      time.Now().UTC().Format(time.RFC3339Nano),
		Detail:  detail,
		Entry:   entry.Name,
		Size:    entry.Size,
		Trace:   tracing.InjectHeaders(ctx),
	}
	if err != nil {
		r.Error = err.Error()
	}
	if id, ok := filename.Decode(entry.Name); ok {
		r.OriginKey = id.OriginKey
		r.LaunchCrash = id.LaunchCrash
	}
	if len(r.Trace) == 0 {
		r.Trace = nil
	}
	return r
}
