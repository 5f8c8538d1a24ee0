package tinylsm

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// versionClock is the global version counter. Only the writer advances
// it, after the records it covers are in the memtable, so every version
// up to Load() is fully readable.
type versionClock struct {
	v atomic.Uint64
}

// Load returns the last assigned version.
func (c *versionClock) Load() uint64 {
	return c.v.Load()
}

// Set raises the clock to v. Lower values are ignored.
func (c *versionClock) Set(v uint64) {
	for {
		cur := c.v.Load()
		if v <= cur || c.v.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Advance publishes n more versions and returns the first of them.
func (c *versionClock) Advance(n uint64) uint64 {
	return c.v.Add(n) - n + 1
}

// snapshotHandle identifies one registered read horizon.
type snapshotHandle struct {
	version uint64
	seq     uint64
}

// snapshotTracker records the horizons of in-flight reads and open
// snapshots so compaction knows which history is still observable.
type snapshotTracker struct {
	clock *versionClock
	seq   atomic.Uint64
	live  *skipmap.FuncMap[snapshotHandle, struct{}]

	// Orders acquireCurrent against oldest: a horizon read from the clock
	// is registered before any later oldest() can return a larger value.
	mu sync.Mutex
}

func newSnapshotTracker(clock *versionClock) *snapshotTracker {
	return &snapshotTracker{
		clock: clock,
		live: skipmap.NewFunc[snapshotHandle, struct{}](func(a, b snapshotHandle) bool {
			if a.version != b.version {
				return a.version < b.version
			}
			return a.seq < b.seq
		}),
	}
}

// acquire registers an explicit horizon.
func (t *snapshotTracker) acquire(horizon uint64) snapshotHandle {
	h := snapshotHandle{version: horizon, seq: t.seq.Add(1)}
	t.live.Store(h, struct{}{})
	return h
}

// acquireCurrent registers the current version as a horizon.
func (t *snapshotTracker) acquireCurrent() snapshotHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquire(t.clock.Load())
}

func (t *snapshotTracker) release(h snapshotHandle) {
	t.live.Delete(h)
}

// oldest returns the smallest registered horizon, or the current version
// when no read is in flight. Compaction must keep every version a horizon
// at or above this value can observe.
func (t *snapshotTracker) oldest() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	oldest := t.clock.Load()
	t.live.Range(func(h snapshotHandle, _ struct{}) bool {
		if h.version < oldest {
			oldest = h.version
		}
		return false // Ordered; the first entry is the smallest
	})
	return oldest
}

// count returns the number of registered horizons.
func (t *snapshotTracker) count() int {
	return t.live.Len()
}

// Snapshot is a pinned read horizon. Reads through a snapshot observe the
// store as of Version until Release, even across flushes and compactions.
type Snapshot struct {
	store    *Store
	handle   snapshotHandle
	released atomic.Bool
}

// Version returns the snapshot's read horizon.
func (s *Snapshot) Version() uint64 {
	return s.handle.version
}

// Get returns the value of key as of the snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	if s.released.Load() {
		return nil, false, ErrSnapshotReleased
	}
	return s.store.get(key, s.handle.version)
}

// Scan calls fn for every live key in [start, end) as of the snapshot.
func (s *Snapshot) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	if s.released.Load() {
		return ErrSnapshotReleased
	}
	return s.store.scan(ScanOptions{Start: start, End: end}, &s.handle, fn)
}

// NewIterator returns an iterator bounded by the snapshot's horizon.
// opts.Horizon is ignored. The iterator must be closed before Release.
func (s *Snapshot) NewIterator(opts ScanOptions) (*StoreIterator, error) {
	if s.released.Load() {
		return nil, ErrSnapshotReleased
	}
	return s.store.newIterator(opts, &s.handle)
}

// Release unpins the horizon. It is safe to call more than once.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.store.snapshots.release(s.handle)
	}
}
