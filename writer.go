package tinylsm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
)

// Put writes key=value and returns the version assigned to it.
func (s *Store) Put(key, value []byte) (uint64, error) {
	return s.apply([]Record{{Key: Key{UserKey: key}, Value: PutValue(value)}})
}

// Delete writes a tombstone for key and returns its version. Deleting a
// missing key is not an error.
func (s *Store) Delete(key []byte) (uint64, error) {
	return s.apply([]Record{{Key: Key{UserKey: key}, Value: TombstoneValue()}})
}

// apply validates and copies recs, then writes them under the write lock.
func (s *Store) apply(recs []Record) (uint64, error) {
	owned := make([]Record, len(recs))
	for i, rec := range recs {
		if len(rec.Key.UserKey) == 0 {
			return 0, ErrEmptyKey
		}
		owned[i] = rec.clone()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.applyLocked(owned)
}

// applyLocked assigns consecutive versions to recs, logs them as one frame
// and inserts them into the active memtable. The clock advances only after
// every record is readable. A single Put or Delete is a batch of one.
// Callers hold s.writeMu and own recs.
func (s *Store) applyLocked(recs []Record) (uint64, error) {
	if len(recs) == 0 {
		return s.clock.Load(), nil
	}
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if err := s.makeRoomForWrite(); err != nil {
		return 0, err
	}

	start := time.Now()
	first := s.clock.Load() + 1
	bytes := 0
	for i := range recs {
		recs[i].Key.Version = first + uint64(i)
		bytes += recs[i].EncodedSize()
	}

	if err := s.wal.AppendBatch(recs); err != nil {
		return 0, s.failWrites(err)
	}
	if s.opts.WALSyncMode == WALSyncPerBatch {
		if err := s.wal.Sync(); err != nil {
			return 0, s.failWrites(err)
		}
	}

	mem := s.registry.ActiveMemtable()
	for _, rec := range recs {
		if err := mem.Put(rec.Key.UserKey, rec.Value, rec.Key.Version); err != nil {
			return 0, s.failWrites(err)
		}
	}
	s.clock.Advance(uint64(len(recs)))
	last := first + uint64(len(recs)) - 1

	s.events.WriteCompleted(WriteEvent{
		Records:  len(recs),
		Bytes:    bytes,
		Version:  last,
		Duration: time.Since(start),
	})
	return last, nil
}

// failWrites makes the store read-only. The log may now hold a frame
// whose records never reached the memtable, so no later write may reuse
// its versions. Callers hold s.writeMu.
func (s *Store) failWrites(err error) error {
	s.writeErr = fmt.Errorf("%w: %v", ErrReadOnly, err)
	s.logger.Error("log write failed; store is read-only",
		zap.String("log", s.wal.Path()),
		zap.Error(err))
	return s.writeErr
}

// makeRoomForWrite rotates a full memtable, stalling while too many
// immutable memtables wait for flush. Callers hold s.writeMu.
func (s *Store) makeRoomForWrite() error {
	for {
		if s.closed.Load() {
			return ErrStoreClosed
		}
		mem := s.registry.ActiveMemtable()
		if mem.Size() < s.opts.MemtableSize {
			return nil
		}
		if len(s.registry.ImmutableMemtables()) >= s.opts.MaxImmutableMemtables {
			s.signalFlush()
			s.stallCond.Wait()
			continue
		}
		return s.rotate()
	}
}

// rotate starts a new generation: a fresh log and active memtable. The
// previous memtable is frozen and queued for flush. Callers hold
// s.writeMu.
func (s *Store) rotate() error {
	id := s.allocFileNum()
	wal, err := OpenWAL(s.logPath(id), s.opts.WALSyncMode)
	if err != nil {
		return fmt.Errorf("open log %d: %w", id, err)
	}
	if err := syncDir(s.dir); err != nil {
		wal.Close()
		os.Remove(wal.Path())
		return err
	}

	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			wal.Close()
			os.Remove(wal.Path())
			return fmt.Errorf("close log: %w", err)
		}
	}
	s.wal = wal

	hadActive := s.registry.ActiveMemtable() != nil
	if err := s.registry.Add(NewMemtable(id)); err != nil {
		return err
	}
	if hadActive {
		s.signalFlush()
	}
	return nil
}

// FlushIfNeeded rotates the active memtable if it has crossed the size
// threshold, then flushes every immutable memtable. It reports whether
// anything was flushed.
func (s *Store) FlushIfNeeded() (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}

	s.writeMu.Lock()
	if mem := s.registry.ActiveMemtable(); mem.Size() >= s.opts.MemtableSize && s.writeErr == nil {
		if err := s.rotate(); err != nil {
			s.writeMu.Unlock()
			return false, err
		}
	}
	s.writeMu.Unlock()

	n, err := s.flushImmutables()
	return n > 0, err
}

// Flush rotates a non-empty active memtable and flushes every immutable
// memtable to level 0.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	s.writeMu.Lock()
	if mem := s.registry.ActiveMemtable(); mem.Count() > 0 && s.writeErr == nil {
		if err := s.rotate(); err != nil {
			s.writeMu.Unlock()
			return err
		}
	}
	s.writeMu.Unlock()

	_, err := s.flushImmutables()
	return err
}

// flushImmutables flushes frozen memtables oldest first and returns how
// many were flushed.
func (s *Store) flushImmutables() (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	n := 0
	for {
		mems := s.registry.ImmutableMemtables()
		if len(mems) == 0 {
			return n, nil
		}
		if err := s.flushMemtable(mems[0]); err != nil {
			return n, err
		}
		n++
	}
}

// flushMemtable writes a frozen memtable to a level 0 table, records the
// table and the retired log in the manifest, then swaps the table in.
// An empty memtable produces no table. Callers hold s.flushMu.
func (s *Store) flushMemtable(mem *Memtable) error {
	start := time.Now()
	logger := s.logger.Named("flush")

	var sst *SSTable
	if mem.Count() > 0 {
		var err error
		sst, err = s.writeLevel0(mem)
		if err != nil {
			logger.Error("flush failed", zap.Uint64("memtable", mem.ID()), zap.Error(err))
			return err
		}
	}

	edit := &manifestEdit{
		FlushedLogs: []uint64{mem.ID()},
		NextFileNum: s.nextFileNum.Load(),
		LastVersion: s.clock.Load(),
	}
	var next Table
	if sst != nil {
		edit.Added = []TableMeta{tableMetaOf(sst)}
		next = sst
	}
	if err := s.manifest.Apply(edit); err != nil {
		s.discardTable(sst)
		logger.Error("manifest update failed", zap.Uint64("memtable", mem.ID()), zap.Error(err))
		return fmt.Errorf("flush manifest: %w", err)
	}
	if err := s.registry.Swap([]Table{mem}, next); err != nil {
		if sst != nil {
			sst.Close()
		}
		return fmt.Errorf("flush install: %w", err)
	}

	if err := os.Remove(s.logPath(mem.ID())); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove flushed log", zap.Uint64("log", mem.ID()), zap.Error(err))
	}

	s.writeMu.Lock()
	s.stallCond.Broadcast()
	s.writeMu.Unlock()

	if sst == nil {
		logger.Debug("retired empty memtable", zap.Uint64("memtable", mem.ID()))
		return nil
	}

	event := FlushEvent{
		MemtableID: mem.ID(),
		TableID:    sst.ID(),
		Records:    sst.Count(),
		Bytes:      sst.Size(),
		Duration:   time.Since(start),
	}
	s.flushes.Add(1)
	s.events.FlushCompleted(event)
	logger.Info("flushed memtable",
		zap.Uint64("memtable", mem.ID()),
		zap.Uint64("table", sst.ID()),
		zap.Int64("records", event.Records),
		zap.Int64("bytes", event.Bytes),
		zap.Duration("took", event.Duration))

	s.signalCompaction()
	return nil
}

// writeLevel0 writes every version in mem to a new level 0 table.
func (s *Store) writeLevel0(mem *Memtable) (*SSTable, error) {
	id := s.allocFileNum()
	w, err := NewSSTableWriter(id, s.tablePath(id), uint(mem.Count()), 0, s.opts)
	if err != nil {
		return nil, err
	}

	it := mem.NewIterator(IterOptions{Horizon: math.MaxUint64})
	defer it.Close()
	for it.Next() {
		if err := w.Add(it.Record()); err != nil {
			w.Abort()
			return nil, err
		}
	}
	if err := it.Err(); err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.Finish(); err != nil {
		w.Abort()
		return nil, err
	}
	if err := syncDir(s.dir); err != nil {
		os.Remove(w.Path())
		return nil, err
	}

	sst, err := s.openTable(id)
	if err != nil {
		os.Remove(w.Path())
		return nil, err
	}
	return sst, nil
}

func (s *Store) signalFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Store) signalCompaction() {
	select {
	case s.compactCh <- struct{}{}:
	default:
	}
}

// startBackground starts the flush and compaction goroutines.
func (s *Store) startBackground() {
	s.wg.Add(2)
	go s.flushLoop()
	go s.compactionLoop()
}

// flushLoop flushes immutable memtables when signalled, and periodically
// checks the active memtable against the size threshold.
func (s *Store) flushLoop() {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.opts.FlushInterval > 0 {
		ticker := time.NewTicker(s.opts.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	logger := s.logger.Named("flush")
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushCh:
			if _, err := s.flushImmutables(); err != nil {
				logger.Error("background flush failed", zap.Error(err))
			}
		case <-tick:
			if _, err := s.FlushIfNeeded(); err != nil && !errors.Is(err, ErrStoreClosed) {
				logger.Error("periodic flush failed", zap.Error(err))
			}
		}
	}
}

// compactionLoop runs compactions when a flush lands a table or on the
// compaction interval.
func (s *Store) compactionLoop() {
	defer s.wg.Done()

	if s.opts.DisableAutoCompaction {
		<-s.ctx.Done()
		return
	}

	var tick <-chan time.Time
	if s.opts.CompactionInterval > 0 {
		ticker := time.NewTicker(s.opts.CompactionInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	logger := s.logger.Named("compaction")
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.compactCh:
		case <-tick:
		}
		if !s.planner.NeedsCompaction() {
			continue
		}
		if _, err := s.CompactIfNeeded(); err != nil && !errors.Is(err, ErrStoreClosed) {
			logger.Error("background compaction failed", zap.Error(err))
		}
	}
}
