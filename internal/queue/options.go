package queue

import (
	"os"

	"github.com/austindbirch/flarebox/internal/filename"
)

const (
	defaultMaxCount = 32
	defaultFileMode = os.FileMode(0o600)
)

// OrderFunc returns the sort key of an entry name. Names it rejects sort last
// in listings and are the first to be evicted.
type OrderFunc func(name string) (string, bool)

// Hook is called after an entry leaves the store.
type Hook func(entry Entry)

// IOFailureHook is called when a file operation on an entry fails. op is one
// of "write", "read", "delete" or "list".
type IOFailureHook func(op string, entry Entry, err error)

// DepthHook is called with the entry count after every mutation.
type DepthHook func(depth int)

// Options holds Store settings.
type Options struct {
	MaxCount    int
	Order       OrderFunc
	OnEvict     Hook
	OnCancel    Hook
	OnIOFailure IOFailureHook
	OnDepth     DepthHook
	FileMode    os.FileMode
}

func (o Options) withDefaults() Options {
	if o.MaxCount <= 0 {
		o.MaxCount = defaultMaxCount
	}
	if o.Order == nil {
		o.Order = filename.OrderKey
	}
	if o.FileMode == 0 {
		o.FileMode = defaultFileMode
	}
	if o.OnEvict == nil {
		o.OnEvict = func(Entry) {}
	}
	if o.OnCancel == nil {
		o.OnCancel = func(Entry) {}
	}
	if o.OnIOFailure == nil {
		o.OnIOFailure = func(string, Entry, error) {}
	}
	return o
}

// Option configures a Store.
type Option func(*Options)

// WithMaxCount sets the capacity. Writes beyond it evict the oldest entries.
func WithMaxCount(n int) Option {
	return func(o *Options) {
		o.MaxCount = n
	}
}

// WithOrdering replaces the default filename.OrderKey ordering.
func WithOrdering(fn OrderFunc) Option {
	return func(o *Options) {
		o.Order = fn
	}
}

// WithEvictHook is called for every entry removed to enforce capacity.
func WithEvictHook(fn Hook) Option {
	return func(o *Options) {
		o.OnEvict = chainHook(o.OnEvict, fn)
	}
}

// WithCancelHook is called for every entry removed through Cancel.
func WithCancelHook(fn Hook) Option {
	return func(o *Options) {
		o.OnCancel = chainHook(o.OnCancel, fn)
	}
}

// WithIOFailureHook is called for every failed file operation.
func WithIOFailureHook(fn IOFailureHook) Option {
	return func(o *Options) {
		prev := o.OnIOFailure
		if prev == nil || fn == nil {
			if fn != nil {
				o.OnIOFailure = fn
			}
			return
		}
		o.OnIOFailure = func(op string, e Entry, err error) {
			prev(op, e, err)
			fn(op, e, err)
		}
	}
}

// WithDepthHook observes the entry count after every mutation.
func WithDepthHook(fn DepthHook) Option {
	return func(o *Options) {
		o.OnDepth = fn
	}
}

// WithFileMode sets the permission bits of entry files.
func WithFileMode(mode os.FileMode) Option {
	return func(o *Options) {
		o.FileMode = mode
	}
}

// hooks registered more than once all run, in registration order
func chainHook(prev, next Hook) Hook {
	if prev == nil {
		return next
	}
	if next == nil {
		return prev
	}
	return func(e Entry) {
		prev(e)
		next(e)
	}
}
