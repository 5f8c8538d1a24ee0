package tinylsm

import (
	"time"
)

// Get returns the current value of key. The bool is false when the key
// has never been written or was deleted.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	h := s.snapshots.acquireCurrent()
	defer s.snapshots.release(h)
	return s.get(key, h.version)
}

// GetAt returns the value of key as of version. Versions older than
// every open snapshot may already have been compacted away; pin a
// Snapshot to read history reliably.
func (s *Store) GetAt(key []byte, version uint64) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	h := s.snapshots.acquire(version)
	defer s.snapshots.release(h)
	return s.get(key, version)
}

// get resolves key at horizon across every live table. The newest
// version wins regardless of which table holds it.
func (s *Store) get(key []byte, horizon uint64) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	start := time.Now()

	view := s.registry.AllTables()
	defer view.Release()

	var best Record
	found := false
	probed := 0
	for _, t := range view.Tables() {
		if t.Count() == 0 || t.MinVersion() > horizon {
			continue
		}
		if found && t.MaxVersion() <= best.Key.Version {
			continue
		}
		probed++
		rec, ok, err := t.Get(key, horizon)
		if err != nil {
			return nil, false, err
		}
		if ok && (!found || rec.Key.Version > best.Key.Version) {
			best = rec
			found = true
		}
	}

	live := found && !best.Value.IsTombstone()
	s.events.ReadCompleted(ReadEvent{
		Found:        live,
		TablesProbed: probed,
		Duration:     time.Since(start),
	})
	if !live {
		return nil, false, nil
	}
	return append([]byte(nil), best.Value.Bytes...), true, nil
}

// ScanOptions bounds a range read.
type ScanOptions struct {
	// Start is the inclusive lower bound. Nil means the first key.
	Start []byte
	// End is the exclusive upper bound. Nil means past the last key.
	End []byte
	// Horizon reads as of this version. Zero means the current version.
	Horizon uint64
	// Reverse yields keys in descending order.
	Reverse bool
}

// Scan calls fn for every live key in [start, end) in ascending order,
// as of the current version. Returning false from fn stops the scan.
func (s *Store) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	return s.scan(ScanOptions{Start: start, End: end}, nil, fn)
}

// ScanAt is Scan as of version.
func (s *Store) ScanAt(start, end []byte, version uint64, fn func(key, value []byte) bool) error {
	return s.scan(ScanOptions{Start: start, End: end, Horizon: version}, nil, fn)
}

// ScanPrefix calls fn for every live key starting with prefix.
func (s *Store) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	return s.scan(ScanOptions{Start: prefix, End: prefixEnd(prefix)}, nil, fn)
}

// ScanWith runs a scan with full options.
func (s *Store) ScanWith(opts ScanOptions, fn func(key, value []byte) bool) error {
	return s.scan(opts, nil, fn)
}

// prefixEnd returns the smallest key greater than every key with prefix,
// or nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) scan(opts ScanOptions, pinned *snapshotHandle, fn func(key, value []byte) bool) error {
	it, err := s.newIterator(opts, pinned)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Err()
}

// NewIterator returns a cursor over live keys. The iterator holds its
// tables and horizon until Close.
func (s *Store) NewIterator(opts ScanOptions) (*StoreIterator, error) {
	return s.newIterator(opts, nil)
}

func (s *Store) newIterator(opts ScanOptions, pinned *snapshotHandle) (*StoreIterator, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	it := &StoreIterator{store: s}
	switch {
	case pinned != nil:
		it.horizon = pinned.version
	case opts.Horizon == 0:
		it.handle = s.snapshots.acquireCurrent()
		it.owned = true
		it.horizon = it.handle.version
	default:
		it.handle = s.snapshots.acquire(opts.Horizon)
		it.owned = true
		it.horizon = opts.Horizon
	}

	it.view = s.registry.AllTables()
	tables := it.view.Tables()

	iterOpts := IterOptions{Horizon: it.horizon, Start: opts.Start, Reverse: opts.Reverse}
	if opts.Reverse {
		iterOpts.Start = opts.End
	}
	iters := make([]Iterator, 0, len(tables))
	for _, t := range tables {
		if t.Count() == 0 || t.MinVersion() > it.horizon {
			continue
		}
		iters = append(iters, t.NewIterator(iterOpts))
	}
	it.iter = newVisibleIterator(newMergeIterator(iters, opts.Reverse), opts.Reverse, opts.Start, opts.End)
	return it, nil
}

// StoreIterator yields the newest live version of each key at a fixed
// horizon.
type StoreIterator struct {
	store   *Store
	view    *View
	iter    Iterator
	horizon uint64
	handle  snapshotHandle
	owned   bool
	closed  bool
}

// Next advances to the next live key.
func (it *StoreIterator) Next() bool {
	if it.closed {
		return false
	}
	return it.iter.Next()
}

// Key returns the current user key. It is valid until the next call.
func (it *StoreIterator) Key() []byte {
	return it.iter.Record().Key.UserKey
}

// Value returns the current value. It is valid until the next call.
func (it *StoreIterator) Value() []byte {
	return it.iter.Record().Value.Bytes
}

// Version returns the version that wrote the current value.
func (it *StoreIterator) Version() uint64 {
	return it.iter.Record().Key.Version
}

// Horizon returns the version the iterator reads at.
func (it *StoreIterator) Horizon() uint64 {
	return it.horizon
}

// Err returns the first error encountered.
func (it *StoreIterator) Err() error {
	return it.iter.Err()
}

// Close releases the iterator's tables and horizon.
func (it *StoreIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.iter.Close()
	it.view.Release()
	if it.owned {
		it.store.snapshots.release(it.handle)
	}
	return err
}
