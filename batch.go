package tinylsm

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Conditional write errors
var (
	ErrKeyExists       = errors.New("key already exists")
	ErrConditionFailed = errors.New("condition failed")
	ErrTypeMismatch    = errors.New("value is not an 8-byte integer")
)

// Batch accumulates puts and deletes to be applied atomically. All
// records in a batch get consecutive versions and share one log frame,
// so a crash either keeps or drops the whole batch.
type Batch struct {
	records []Record
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put adds a put. Key and value are copied.
func (b *Batch) Put(key, value []byte) {
	b.records = append(b.records, Record{
		Key:   Key{UserKey: append([]byte(nil), key...)},
		Value: PutValue(append([]byte{}, value...)),
	})
}

// Delete adds a tombstone for key.
func (b *Batch) Delete(key []byte) {
	b.records = append(b.records, Record{
		Key:   Key{UserKey: append([]byte(nil), key...)},
		Value: TombstoneValue(),
	})
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.records)
}

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.records = b.records[:0]
}

// Write atomically applies the batch and returns the version of its last
// operation. Later operations on the same key win. An empty batch writes
// nothing and returns the current version.
func (s *Store) Write(batch *Batch) (uint64, error) {
	if batch == nil || len(batch.records) == 0 {
		return s.clock.Load(), nil
	}
	return s.apply(batch.records)
}

// update runs a read-modify-write under the write lock. fn sees the
// store at the current version and returns the records to write; no
// other write can land between the read and the write.
func (s *Store) update(fn func(horizon uint64) ([]Record, error)) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	// Make room first: a stall releases the lock, which must not happen
	// between the read and the write.
	if err := s.makeRoomForWrite(); err != nil {
		return 0, err
	}

	h := s.snapshots.acquireCurrent()
	recs, err := fn(h.version)
	s.snapshots.release(h)
	if err != nil {
		return 0, err
	}
	return s.applyLocked(recs)
}

// PutIfNotExists writes key=value only if key has no live value.
// It returns ErrKeyExists otherwise.
func (s *Store) PutIfNotExists(key, value []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, ErrEmptyKey
	}
	return s.update(func(horizon uint64) ([]Record, error) {
		_, found, err := s.get(key, horizon)
		if err != nil {
			return nil, err
		}
		if found {
			return nil, ErrKeyExists
		}
		return []Record{Record{Key: Key{UserKey: key}, Value: PutValue(value)}.clone()}, nil
	})
}

// PutIfEquals writes key=value only if the current value equals expected.
// It returns ErrKeyNotFound if key has no live value and
// ErrConditionFailed if it differs.
func (s *Store) PutIfEquals(key, value, expected []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, ErrEmptyKey
	}
	return s.update(func(horizon uint64) ([]Record, error) {
		current, found, err := s.get(key, horizon)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrKeyNotFound
		}
		if !bytes.Equal(current, expected) {
			return nil, ErrConditionFailed
		}
		return []Record{Record{Key: Key{UserKey: key}, Value: PutValue(value)}.clone()}, nil
	})
}

// Increment adds delta to the big-endian int64 stored at key and returns
// the new value. A missing key counts as 0.
func (s *Store) Increment(key []byte, delta int64) (int64, error) {
	if len(key) == 0 {
		return 0, ErrEmptyKey
	}
	var next int64
	_, err := s.update(func(horizon uint64) ([]Record, error) {
		current, found, err := s.get(key, horizon)
		if err != nil {
			return nil, err
		}
		var n int64
		if found {
			if len(current) != 8 {
				return nil, ErrTypeMismatch
			}
			n = int64(binary.BigEndian.Uint64(current))
		}
		next = n + delta
		return []Record{{
			Key:   Key{UserKey: append([]byte(nil), key...)},
			Value: PutValue(encodeInt64(next)),
		}}, nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// DeleteRange deletes every live key in [start, end) in one batch and
// returns the number of keys deleted.
func (s *Store) DeleteRange(start, end []byte) (int, error) {
	return s.deleteMatching(ScanOptions{Start: start, End: end})
}

// DeletePrefix deletes every live key with prefix in one batch and
// returns the number of keys deleted.
func (s *Store) DeletePrefix(prefix []byte) (int, error) {
	return s.deleteMatching(ScanOptions{Start: prefix, End: prefixEnd(prefix)})
}

func (s *Store) deleteMatching(opts ScanOptions) (int, error) {
	n := 0
	_, err := s.update(func(horizon uint64) ([]Record, error) {
		opts.Horizon = horizon
		var recs []Record
		err := s.scan(opts, nil, func(key, _ []byte) bool {
			recs = append(recs, Record{
				Key:   Key{UserKey: append([]byte(nil), key...)},
				Value: TombstoneValue(),
			})
			return true
		})
		n = len(recs)
		return recs, err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func encodeInt64(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}
