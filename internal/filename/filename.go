// Package filename encodes the identity of a queued report into its file name.
//
// A name has the form
//
//	<unix millis, 13 digits>_<origin key>_<uuid>_<kind>.json
//
// where kind is "startupcrash" for reports captured during the launch window
// and "standard" otherwise. Zero padding makes the lexical order of names equal
// to their chronological order, so the store can sort by name alone.
package filename

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	Extension = ".json"

	KindLaunchCrash = "startupcrash"
	KindStandard    = "standard"

	timestampDigits = 13
	maxOriginKeyLen = 128
	separator       = "_"
)

var (
	ErrInvalidOriginKey = errors.New("filename: invalid origin key")
	ErrInvalidTimestamp = errors.New("filename: timestamp out of range")
	ErrMissingID        = errors.New("filename: missing uniqueness id")
)

// Identity is everything a file name says about a report.
type Identity struct {
	Timestamp   time.Time
	OriginKey   string
	ID          uuid.UUID
	LaunchCrash bool
}

// New returns an identity stamped with a fresh random id and now truncated to
// millisecond precision.
func New(originKey string, now time.Time, launchCrash bool) Identity {
	return Identity{
		Timestamp:   time.UnixMilli(now.UnixMilli()).UTC(),
		OriginKey:   originKey,
		ID:          uuid.New(),
		LaunchCrash: launchCrash,
	}
}

// Kind returns the kind segment of the encoded name.
func (id Identity) Kind() string {
	if id.LaunchCrash {
		return KindLaunchCrash
	}
	return KindStandard
}

// Encode renders id as a file name.
func Encode(id Identity) (string, error) {
	if !ValidOriginKey(id.OriginKey) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOriginKey, id.OriginKey)
	}
	ms := id.Timestamp.UnixMilli()
	if ms < 0 || ms > 9_999_999_999_999 {
		return "", fmt.Errorf("%w: %d", ErrInvalidTimestamp, ms)
	}
	if id.ID == uuid.Nil {
		return "", ErrMissingID
	}

	var b strings.Builder
	b.Grow(timestampDigits + len(id.OriginKey) + 36 + len(KindLaunchCrash) + len(Extension) + 3)
	fmt.Fprintf(&b, "%0*d", timestampDigits, ms)
	b.WriteString(separator)
	b.WriteString(id.OriginKey)
	b.WriteString(separator)
	b.WriteString(id.ID.String())
	b.WriteString(separator)
	b.WriteString(id.Kind())
	b.WriteString(Extension)
	return b.String(), nil
}

// Decode parses a name produced by Encode. It never panics; anything that does
// not match the format yields false.
func Decode(name string) (Identity, bool) {
	stem, ok := strings.CutSuffix(name, Extension)
	if !ok {
		return Identity{}, false
	}
	parts := strings.Split(stem, separator)
	if len(parts) != 4 {
		return Identity{}, false
	}

	ms, ok := parseTimestamp(parts[0])
	if !ok {
		return Identity{}, false
	}
	if !ValidOriginKey(parts[1]) {
		return Identity{}, false
	}
	if len(parts[2]) != 36 {
		return Identity{}, false
	}
	id, err := uuid.Parse(parts[2])
	if err != nil || id == uuid.Nil {
		return Identity{}, false
	}

	var launch bool
	switch parts[3] {
	case KindLaunchCrash:
		launch = true
	case KindStandard:
	default:
		return Identity{}, false
	}

	return Identity{
		Timestamp:   time.UnixMilli(ms).UTC(),
		OriginKey:   parts[1],
		ID:          id,
		LaunchCrash: launch,
	}, true
}

// OrderKey is the sort key of a decodable name. Names that do not decode
// return false and sort after every decodable name.
func OrderKey(name string) (string, bool) {
	if _, ok := Decode(name); !ok {
		return "", false
	}
	return strings.TrimSuffix(name, Extension), true
}

// IsLaunchCrash reports whether name decodes and carries the launch-crash kind.
func IsLaunchCrash(name string) bool {
	id, ok := Decode(name)
	return ok && id.LaunchCrash
}

// ValidOriginKey reports whether key matches [A-Za-z0-9-]{1,128}.
func ValidOriginKey(key string) bool {
	if len(key) == 0 || len(key) > maxOriginKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

func parseTimestamp(s string) (int64, bool) {
	if len(s) != timestampDigits {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
