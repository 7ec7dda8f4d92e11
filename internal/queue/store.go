// Package queue is a bounded, file-backed queue of opaque report blobs.
//
// Each entry is one immutable file in a single directory. Identity lives only
// in the file name; the payload is never parsed. Writes are atomic (temp file,
// fsync, rename) and the directory is guarded by an exclusive flock so that
// separate processes sharing it do not interleave mutations.
package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// LockFileName is created inside the queue directory and never listed.
const LockFileName = ".flarebox.lock"

const tmpSuffix = ".tmp"

var (
	ErrInvalidName = errors.New("queue: invalid entry name")
	ErrExists      = errors.New("queue: entry already exists")
	ErrClosed      = errors.New("queue: store closed")
)

// Entry is one queued report as seen in a directory listing.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

func (e Entry) String() string { return e.Name }

// Store is a directory of entries capped at a maximum count.
type Store struct {
	dir  string
	opts Options

	mu      sync.Mutex
	lock    *flock.Flock
	claimed map[string]struct{}
	closed  bool
}

// Open creates dir if needed and returns a Store over it. Temp files left by
// an interrupted write are removed.
func Open(dir string, opts ...Option) (*Store, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	o = o.withDefaults()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("queue: create dir %s: %w", dir, err)
	}

	s := &Store{
		dir:     dir,
		opts:    o,
		lock:    flock.New(filepath.Join(dir, LockFileName)),
		claimed: make(map[string]struct{}),
	}

	if err := s.withLock(func() ([]func(), error) {
		return nil, s.sweepTemp()
	}); err != nil {
		_ = s.lock.Close()
		return nil, err
	}
	return s, nil
}

// Dir returns the queue directory.
func (s *Store) Dir() string { return s.dir }

// MaxCount returns the configured capacity.
func (s *Store) MaxCount() int { return s.opts.MaxCount }

// Path returns the absolute path of an entry file.
func (s *Store) Path(e Entry) string { return filepath.Join(s.dir, e.Name) }

// Put writes data under name. If the store then holds more than MaxCount
// entries, the surplus is evicted before Put returns.
func (s *Store) Put(name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	return s.withLock(func() ([]func(), error) {
		if _, err := os.Lstat(filepath.Join(s.dir, name)); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrExists, name)
		}

		if err := s.writeFile(name, data); err != nil {
			e := Entry{Name: name, Size: int64(len(data))}
			return []func(){func() { s.opts.OnIOFailure("write", e, err) }}, err
		}

		notify, depth := s.enforceCapacity()
		return append(notify, s.depthNotice(depth)...), nil
	})
}

// List returns every entry in ascending order: decodable names by sort key,
// then names the ordering rejects. The directory is rescanned on every call.
func (s *Store) List() ([]Entry, error) {
	var out []Entry
	err := s.withLock(func() ([]func(), error) {
		entries, err := s.scan()
		if err != nil {
			return s.listFailure(err), err
		}
		out = entries
		return nil, nil
	})
	return out, err
}

// Collect lists the store and claims every entry not already claimed. Only
// the newly claimed entries are returned, in list order. Claims last until
// Release, Delete or Cancel.
func (s *Store) Collect() ([]Entry, error) {
	var out []Entry
	err := s.withLock(func() ([]func(), error) {
		entries, err := s.scan()
		if err != nil {
			return s.listFailure(err), err
		}
		for _, e := range entries {
			if _, ok := s.claimed[e.Name]; ok {
				continue
			}
			s.claimed[e.Name] = struct{}{}
			out = append(out, e)
		}
		return nil, nil
	})
	return out, err
}

// Release drops the claim on entries and keeps their files.
func (s *Store) Release(entries ...Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		delete(s.claimed, e.Name)
	}
}

// Claimed reports whether an entry is currently claimed.
func (s *Store) Claimed(e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claimed[e.Name]
	return ok
}

// Read returns the payload of an entry.
func (s *Store) Read(e Entry) ([]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(s.Path(e))
	if err != nil {
		err = fmt.Errorf("queue: read %s: %w", e.Name, err)
		s.opts.OnIOFailure("read", e, err)
		return nil, err
	}
	return data, nil
}

// Delete removes entries. A missing file is not an error. Each failure fires
// the I/O failure hook and the rest of the batch still runs; the failures are
// returned joined.
func (s *Store) Delete(entries ...Entry) error {
	return s.remove(entries, nil)
}

// Cancel removes entries like Delete but fires the cancel hook for each.
func (s *Store) Cancel(entries ...Entry) error {
	return s.remove(entries, s.opts.OnCancel)
}

// Probe checks the directory is writable and returns the current depth.
func (s *Store) Probe() (int, error) {
	var depth int
	err := s.withLock(func() ([]func(), error) {
		f, err := os.CreateTemp(s.dir, ".probe-*"+tmpSuffix)
		if err != nil {
			return nil, fmt.Errorf("queue: dir not writable: %w", err)
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)

		entries, err := s.scan()
		if err != nil {
			return nil, err
		}
		depth = len(entries)
		return nil, nil
	})
	return depth, err
}

// Close releases the directory lock. Further calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.Close()
}

func (s *Store) remove(entries []Entry, hook Hook) error {
	if len(entries) == 0 {
		return nil
	}
	var errs []error
	err := s.withLock(func() ([]func(), error) {
		var notify []func()
		for _, e := range entries {
			delete(s.claimed, e.Name)
			if err := os.Remove(s.Path(e)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("queue: delete %s: %w", e.Name, err)
				errs = append(errs, err)
				notify = append(notify, func() { s.opts.OnIOFailure("delete", e, err) })
				continue
			}
			if hook != nil {
				notify = append(notify, func() { hook(e) })
			}
		}
		if s.opts.OnDepth != nil {
			if all, err := s.scan(); err == nil {
				notify = append(notify, s.depthNotice(len(all))...)
			}
		}
		return notify, nil
	})
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}

// enforceCapacity evicts names the ordering rejects first, then the oldest.
func (s *Store) enforceCapacity() ([]func(), int) {
	entries, err := s.scan()
	if err != nil {
		return s.listFailure(err), -1
	}
	surplus := len(entries) - s.opts.MaxCount
	if surplus <= 0 {
		return nil, len(entries)
	}

	valid, invalid := s.partition(entries)
	victims := append(invalid, valid...)[:surplus]

	var notify []func()
	removed := 0
	for _, e := range victims {
		delete(s.claimed, e.Name)
		if err := os.Remove(s.Path(e)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("queue: evict %s: %w", e.Name, err)
			notify = append(notify, func() { s.opts.OnIOFailure("delete", e, err) })
			continue
		}
		removed++
		notify = append(notify, func() { s.opts.OnEvict(e) })
	}
	return notify, len(entries) - removed
}

func (s *Store) depthNotice(depth int) []func() {
	if s.opts.OnDepth == nil || depth < 0 {
		return nil
	}
	return []func(){func() { s.opts.OnDepth(depth) }}
}

func (s *Store) listFailure(err error) []func() {
	return []func(){func() { s.opts.OnIOFailure("list", Entry{}, err) }}
}

// scan reads the directory, skipping dot-files, temp files and subdirectories.
func (s *Store) scan() ([]Entry, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", s.dir, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || hidden(name) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		entries = append(entries, Entry{Name: name, Size: info.Size(), ModTime: info.ModTime()})
	}

	valid, invalid := s.partition(entries)
	return append(valid, invalid...), nil
}

// partition splits entries into sorted decodable and sorted undecodable names.
// Each order key is computed once.
func (s *Store) partition(entries []Entry) (valid, invalid []Entry) {
	type keyed struct {
		entry Entry
		key   string
	}
	ks := make([]keyed, 0, len(entries))
	for _, e := range entries {
		if key, ok := s.opts.Order(e.Name); ok {
			ks = append(ks, keyed{entry: e, key: key})
		} else {
			invalid = append(invalid, e)
		}
	}

	sort.Slice(ks, func(i, j int) bool {
		if ks[i].key != ks[j].key {
			return ks[i].key < ks[j].key
		}
		return ks[i].entry.Name < ks[j].entry.Name
	})
	sort.Slice(invalid, func(i, j int) bool { return invalid[i].Name < invalid[j].Name })

	valid = make([]Entry, len(ks))
	for i, k := range ks {
		valid[i] = k.entry
	}
	return valid, invalid
}

func (s *Store) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("queue: write %s: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("queue: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("queue: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("queue: close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, s.opts.FileMode); err != nil {
		cleanup()
		return fmt.Errorf("queue: chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("queue: rename %s: %w", name, err)
	}
	syncDir(s.dir)
	return nil
}

func (s *Store) sweepTemp() error {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("queue: list %s: %w", s.dir, err)
	}
	for _, d := range dirents {
		if !d.IsDir() && strings.HasPrefix(d.Name(), ".") && strings.HasSuffix(d.Name(), tmpSuffix) {
			_ = os.Remove(filepath.Join(s.dir, d.Name()))
		}
	}
	return nil
}

// withLock runs fn under the in-process mutex and the directory flock. The
// returned callbacks run after both are released so hooks may call back in.
func (s *Store) withLock(fn func() ([]func(), error)) error {
	notify, err := func() ([]func(), error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil, ErrClosed
		}
		if err := s.lock.Lock(); err != nil {
			return nil, fmt.Errorf("queue: lock %s: %w", s.lock.Path(), err)
		}
		defer func() { _ = s.lock.Unlock() }()
		return fn()
	}()
	for _, n := range notify {
		n()
	}
	return err
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case hidden(name):
		return fmt.Errorf("%w: %q would be hidden from listings", ErrInvalidName, name)
	}
	return nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, tmpSuffix)
}

// syncDir makes a completed rename durable; failures only weaken durability.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
