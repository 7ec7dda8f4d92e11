package delivery

import (
	"context"

	"github.com/austindbirch/flarebox/internal/queue"
)

// Payload is one queued report on its way to the collector. Body is opaque.
type Payload struct {
	Entry       queue.Entry
	OriginKey   string
	LaunchCrash bool
	Body        []byte
}

// Params is where and how a payload is sent.
type Params struct {
	Endpoint string
	Headers  map[string]string
}

// Client sends a payload. A non-nil error is a local, unrecoverable failure
// and the entry is dropped. Implementations must be safe for use from a
// worker goroutine.
type Client interface {
	Deliver(ctx context.Context, payload Payload, params Params) (Outcome, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, payload Payload, params Params) (Outcome, error)

func (f ClientFunc) Deliver(ctx context.Context, payload Payload, params Params) (Outcome, error) {
	return f(ctx, payload, params)
}

// ParamsFunc builds the delivery params of a payload.
type ParamsFunc func(payload Payload) (Params, error)

// Diagnostics is told about every entry dropped after a local failure.
// detail names the stage that failed.
type Diagnostics interface {
	OnLocalFailure(ctx context.Context, err error, entry queue.Entry, detail string)
}

// Store is the subset of queue.Store the orchestrator drives.
type Store interface {
	Put(name string, data []byte) error
	Collect() ([]queue.Entry, error)
	Release(entries ...queue.Entry)
	Read(entry queue.Entry) ([]byte, error)
	Delete(entries ...queue.Entry) error
	Cancel(entries ...queue.Entry) error
}

// LaunchState reports whether the host is still launching.
type LaunchState interface {
	IsLaunching() bool
}
