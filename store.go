package tinylsm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Errors
var (
	ErrStoreClosed      = errors.New("store is closed")
	ErrStoreLocked      = errors.New("store is locked by another process")
	ErrReadOnly         = errors.New("store is read-only after a log write failure")
	ErrSnapshotReleased = errors.New("snapshot released")
)

// File names inside the store directory.
const (
	manifestFileName = "MANIFEST"
	lockFileName     = "LOCK"
	logFileSuffix    = ".log"
	tableFileSuffix  = ".sst"
)

// Store is an embedded MVCC key-value store.
type Store struct {
	opts   Options
	dir    string
	logger *zap.Logger
	events EventSink

	registry *Registry
	planner  *Planner
	cache    *lruCache
	manifest *Manifest
	lockFile *os.File

	clock       versionClock
	snapshots   *snapshotTracker
	nextFileNum atomic.Uint64 // Next unused log/table number

	writeMu   sync.Mutex // Serializes writes and memtable rotation
	stallCond *sync.Cond // Writers waiting on flushes; uses writeMu
	wal       *WAL       // Active log, guarded by writeMu
	writeErr  error      // Sticky log failure, guarded by writeMu

	flushMu   sync.Mutex // Serializes flushes
	compactMu sync.Mutex // Serializes compactions

	flushCh   chan struct{}
	compactCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	closed      atomic.Bool
	flushes     atomic.Uint64
	compactions atomic.Uint64
}

// Open opens or creates a store in dir. Unflushed logs from a previous
// run are replayed and flushed before Open returns.
func Open(dir string, opts Options) (*Store, error) {
	opts.Dir = dir
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := acquireLock(lockFile); err != nil {
		lockFile.Close()
		return nil, ErrStoreLocked
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		opts:      opts,
		dir:       dir,
		logger:    opts.Logger,
		events:    opts.Events,
		registry:  NewRegistry(),
		cache:     newLRUCache(opts.BlockCacheSize),
		lockFile:  lockFile,
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.stallCond = sync.NewCond(&s.writeMu)
	s.snapshots = newSnapshotTracker(&s.clock)
	s.planner = NewPlanner(s.registry, opts.CompactionFanout)

	if err := s.recover(); err != nil {
		cancel()
		s.registry.Close()
		if s.manifest != nil {
			s.manifest.Close()
		}
		s.releaseLock()
		return nil, err
	}

	s.startBackground()

	s.logger.Info("store opened",
		zap.String("dir", dir),
		zap.Uint64("version", s.clock.Load()),
		zap.Int("levels", s.registry.NumLevels()))
	return s, nil
}

// dirListing holds the file numbers found in the store directory.
type dirListing struct {
	logs   []uint64
	tables []uint64
	maxNum uint64
}

func listDir(dir string) (dirListing, error) {
	var l dirListing
	entries, err := os.ReadDir(dir)
	if err != nil {
		return l, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var suffix string
		switch {
		case strings.HasSuffix(name, logFileSuffix):
			suffix = logFileSuffix
		case strings.HasSuffix(name, tableFileSuffix):
			suffix = tableFileSuffix
		default:
			continue
		}
		num, err := strconv.ParseUint(strings.TrimSuffix(name, suffix), 10, 64)
		if err != nil {
			continue
		}
		if suffix == logFileSuffix {
			l.logs = append(l.logs, num)
		} else {
			l.tables = append(l.tables, num)
		}
		if num > l.maxNum {
			l.maxNum = num
		}
	}
	sort.Slice(l.logs, func(i, j int) bool { return l.logs[i] < l.logs[j] })
	return l, nil
}

// recover rebuilds the registry from the manifest, removes orphan
// tables, replays unflushed logs, and opens a fresh generation.
func (s *Store) recover() error {
	logger := s.logger.Named("recovery")

	manifest, err := OpenManifest(filepath.Join(s.dir, manifestFileName))
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	s.manifest = manifest

	listing, err := listDir(s.dir)
	if err != nil {
		return err
	}
	next := manifest.NextFileNum()
	if listing.maxNum+1 > next {
		next = listing.maxNum + 1
	}
	if next == 0 {
		next = 1
	}
	s.nextFileNum.Store(next)
	s.clock.Set(manifest.LastVersion())

	if err := s.loadTables(manifest.Tables()); err != nil {
		return err
	}

	// Tables written by a flush or compaction that never reached the
	// manifest
	for _, id := range listing.tables {
		if manifest.HasTable(id) {
			continue
		}
		if err := os.Remove(s.tablePath(id)); err != nil {
			logger.Warn("remove orphan table", zap.Uint64("id", id), zap.Error(err))
			continue
		}
		logger.Info("removed orphan table", zap.Uint64("id", id))
	}

	var forgotten []uint64
	for _, id := range listing.logs {
		if manifest.LogFlushed(id) {
			if err := os.Remove(s.logPath(id)); err != nil && !os.IsNotExist(err) {
				logger.Warn("remove flushed log", zap.Uint64("id", id), zap.Error(err))
				continue
			}
			forgotten = append(forgotten, id)
			continue
		}
		if err := s.replayLog(id); err != nil {
			return err
		}
	}
	manifest.ForgetLogs(forgotten)

	if manifest.NeedsRewrite() {
		if err := manifest.Rewrite(); err != nil {
			return fmt.Errorf("rewrite manifest: %w", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rotate()
}

// loadTables opens the manifest's tables in parallel and registers them.
func (s *Store) loadTables(metas []TableMeta) error {
	numWorkers := 8
	if len(metas) < numWorkers {
		numWorkers = len(metas)
	}
	if numWorkers == 0 {
		return nil
	}

	type result struct {
		sst *SSTable
		err error
	}

	jobs := make(chan TableMeta, len(metas))
	results := make(chan result, len(metas))

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for meta := range jobs {
				sst, err := s.openTable(meta.ID)
				results <- result{sst: sst, err: err}
			}
		}()
	}

	for _, meta := range metas {
		jobs <- meta
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var tables []*SSTable
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		tables = append(tables, r.sst)
	}
	if firstErr != nil {
		for _, sst := range tables {
			sst.Close()
		}
		s.logger.Named("recovery").Error("open table failed", zap.Error(firstErr))
		return firstErr
	}

	// Register oldest first so each level ends up newest first
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID() < tables[j].ID() })
	for _, sst := range tables {
		s.clock.Set(sst.MaxVersion())
		if err := s.registry.Add(sst); err != nil {
			return err
		}
	}
	return nil
}

// replayLog rebuilds the memtable of an unflushed log and flushes it.
func (s *Store) replayLog(id uint64) error {
	logger := s.logger.Named("recovery")
	mem := NewMemtable(id)

	clean, err := ReplayWAL(s.logPath(id), func(rec Record) error {
		s.clock.Set(rec.Key.Version)
		return mem.Put(rec.Key.UserKey, rec.Value, rec.Key.Version)
	})
	if err != nil {
		return fmt.Errorf("replay log %d: %w", id, err)
	}
	if !clean {
		logger.Warn("log has a torn tail; replayed the valid prefix",
			zap.Uint64("log", id), zap.Int64("records", mem.Count()))
	}

	mem.Freeze()
	if err := s.registry.Add(mem); err != nil {
		return err
	}
	logger.Info("replayed log", zap.Uint64("log", id), zap.Int64("records", mem.Count()))

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushMemtable(mem)
}

// allocFileNum returns a fresh file number for a log or table.
func (s *Store) allocFileNum() uint64 {
	return s.nextFileNum.Add(1) - 1
}

func (s *Store) logPath(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%06d%s", id, logFileSuffix))
}

func (s *Store) tablePath(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%06d%s", id, tableFileSuffix))
}

// openTable opens table id with the store's cache and retirement hook.
func (s *Store) openTable(id uint64) (*SSTable, error) {
	sst, err := OpenSSTable(id, s.tablePath(id), s.cache, !s.opts.SkipChecksums)
	if err != nil {
		return nil, err
	}
	sst.onDelete = s.tableDeleted
	return sst, nil
}

func (s *Store) tableDeleted(sst *SSTable, err error) {
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove retired table", zap.Uint64("id", sst.ID()), zap.Error(err))
		return
	}
	s.logger.Debug("removed retired table", zap.Uint64("id", sst.ID()))
}

// discardTable closes and removes a table that was never installed.
func (s *Store) discardTable(sst *SSTable) {
	if sst == nil {
		return
	}
	sst.Close()
	os.Remove(sst.Path())
}

// syncDir fsyncs a directory so new file entries survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// CurrentVersion returns the newest fully visible version.
func (s *Store) CurrentVersion() uint64 {
	return s.clock.Load()
}

// Snapshot pins the current version. The caller must Release it.
func (s *Store) Snapshot() (*Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return &Snapshot{store: s, handle: s.snapshots.acquireCurrent()}, nil
}

// Close stops background work, flushes every memtable and releases the
// directory lock.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var errs []error

	s.writeMu.Lock()
	s.stallCond.Broadcast()
	healthy := s.writeErr == nil
	if mem := s.registry.ActiveMemtable(); mem != nil {
		mem.Freeze()
	}
	if err := s.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
		healthy = false
	}
	s.writeMu.Unlock()

	// With a failed log the memtables may hold records that never became
	// durable; leave recovery to the logs instead of persisting them.
	if healthy {
		if _, err := s.flushImmutables(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.manifest.Close(); err != nil {
		errs = append(errs, err)
	}
	s.releaseLock()

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("store closed with errors", zap.Error(err))
		return err
	}
	s.logger.Info("store closed", zap.Uint64("version", s.clock.Load()))
	return nil
}

// releaseLock releases the exclusive lock file.
func (s *Store) releaseLock() {
	if s.lockFile != nil {
		releaseLockFile(s.lockFile)
		s.lockFile.Close()
		s.lockFile = nil
	}
}

// Stats returns store statistics.
func (s *Store) Stats() StoreStats {
	view := s.registry.AllTables()
	defer view.Release()

	stats := StoreStats{
		CurrentVersion:  s.clock.Load(),
		ActiveSnapshots: s.snapshots.count(),
		Flushes:         s.flushes.Load(),
		Compactions:     s.compactions.Load(),
		CacheStats:      s.cache.Stats(),
	}

	for i, mem := range view.Memtables() {
		if i == 0 && !mem.Frozen() {
			stats.MemtableSize = mem.Size()
			stats.MemtableCount = mem.Count()
			continue
		}
		stats.ImmutableMemtables++
	}

	for level := 0; level < view.NumLevels(); level++ {
		ls := LevelStats{Level: level}
		for _, sst := range view.Level(level) {
			ls.NumTables++
			ls.Size += sst.Size()
			ls.NumRecords += uint64(sst.Count())
			ls.NumTombstones += sst.NumTombstones()
		}
		stats.Levels = append(stats.Levels, ls)
	}
	return stats
}

// StoreStats contains store statistics.
type StoreStats struct {
	CurrentVersion     uint64
	ActiveSnapshots    int
	MemtableSize       int64
	MemtableCount      int64
	ImmutableMemtables int
	Flushes            uint64
	Compactions        uint64
	CacheStats         CacheStats
	Levels             []LevelStats
}

// LevelStats contains statistics for a single level.
type LevelStats struct {
	Level         int
	NumTables     int
	Size          int64
	NumRecords    uint64
	NumTombstones uint64
}
