package tinylsm

import (
	"bytes"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Planner implements size-tiered compaction planning: a level holding at
// least fanout tables is merged, as a whole, into the next level.
type Planner struct {
	registry *Registry
	fanout   int
}

// NewPlanner creates a planner over registry.
func NewPlanner(registry *Registry, fanout int) *Planner {
	if fanout < 2 {
		fanout = 2
	}
	return &Planner{registry: registry, fanout: fanout}
}

// NeedsCompaction reports whether any level has reached the fan-out.
func (p *Planner) NeedsCompaction() bool {
	p.registry.mu.RLock()
	defer p.registry.mu.RUnlock()

	for _, level := range p.registry.current.levels {
		n := 0
		for _, sst := range level {
			if !sst.claimed.Load() {
				n++
			}
		}
		if n >= p.fanout {
			return true
		}
	}
	return false
}

// Plan emits one task per level whose unclaimed table count reaches the
// fan-out, in ascending level order. Planned tables are claimed until
// the task is released, so overlapping plans never share inputs.
func (p *Planner) Plan() []*CompactionTask {
	p.registry.mu.RLock()
	defer p.registry.mu.RUnlock()

	var tasks []*CompactionTask
	for level, tables := range p.registry.current.levels {
		var inputs []*SSTable
		for _, sst := range tables {
			if !sst.claimed.Load() {
				inputs = append(inputs, sst)
			}
		}
		if len(inputs) < p.fanout {
			continue
		}

		claimed := make([]*SSTable, 0, len(inputs))
		for _, sst := range inputs {
			if !sst.tryClaim() {
				break
			}
			claimed = append(claimed, sst)
		}
		if len(claimed) != len(inputs) {
			// Lost a race with a concurrent planner
			for _, sst := range claimed {
				sst.unclaim()
			}
			continue
		}

		tasks = append(tasks, &CompactionTask{
			Level:       level,
			TargetLevel: level + 1,
			Inputs:      inputs,
		})
	}
	return tasks
}

// CompactionTask merges Inputs (newest first) into one table at
// TargetLevel.
type CompactionTask struct {
	Level       int
	TargetLevel int
	Inputs      []*SSTable

	released atomic.Bool
}

// Release returns the task's claim on its inputs.
func (t *CompactionTask) Release() {
	if t.released.CompareAndSwap(false, true) {
		for _, sst := range t.Inputs {
			sst.unclaim()
		}
	}
}

func (t *CompactionTask) tables() []Table {
	out := make([]Table, len(t.Inputs))
	for i, sst := range t.Inputs {
		out[i] = sst
	}
	return out
}

// gcFilter decides which merged records survive a compaction.
//
// For each user key, with H the oldest retained horizon, every version
// above H is kept, plus the newest version at or below H; older versions
// are invisible to every admissible read. That newest version is dropped
// too when it is a tombstone that shadows nothing outside the inputs.
type gcFilter struct {
	horizon uint64
	others  []Table // Live tables that are not inputs

	curKey       []byte
	keptAtBottom bool

	droppedVersions   uint64
	droppedTombstones uint64
}

func newGCFilter(horizon uint64, others []Table) *gcFilter {
	return &gcFilter{horizon: horizon, others: others}
}

func (f *gcFilter) keep(rec Record) (bool, error) {
	if f.curKey == nil || !bytes.Equal(rec.Key.UserKey, f.curKey) {
		f.curKey = append(f.curKey[:0], rec.Key.UserKey...)
		f.keptAtBottom = false
	}
	if rec.Key.Version > f.horizon {
		return true, nil
	}
	if f.keptAtBottom {
		f.droppedVersions++
		return false, nil
	}
	f.keptAtBottom = true

	if rec.Value.IsTombstone() {
		shadows, err := f.shadowsOutside(rec)
		if err != nil {
			return false, err
		}
		if !shadows {
			f.droppedTombstones++
			return false, nil
		}
	}
	return true, nil
}

// shadowsOutside reports whether a table outside the inputs could hold
// a version of rec's key older than rec.
func (f *gcFilter) shadowsOutside(rec Record) (bool, error) {
	for _, t := range f.others {
		if t.Count() == 0 || t.MinVersion() >= rec.Key.Version {
			continue
		}
		switch t := t.(type) {
		case *SSTable:
			if t.MightContain(rec.Key.UserKey) {
				return true, nil
			}
		default:
			_, found, err := t.Get(rec.Key.UserKey, rec.Key.Version-1)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
	}
	return false, nil
}

// compactionResult summarizes a finished merge.
type compactionResult struct {
	output        *SSTable // nil when every record was collected
	inputRecords  uint64
	outputRecords uint64
}

// runCompaction executes task and installs its output. On failure the
// registry is unchanged and the partial output is removed. The task's
// claim is always released.
func (s *Store) runCompaction(task *CompactionTask) error {
	defer task.Release()

	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	start := time.Now()
	logger := s.logger.Named("compaction")

	horizon := s.snapshots.oldest()
	view := s.registry.AllTables()
	defer view.Release()

	inputs := make(map[Table]bool, len(task.Inputs))
	var expected uint
	for _, sst := range task.Inputs {
		inputs[sst] = true
		expected += uint(sst.Count())
	}
	var others []Table
	for _, t := range view.Tables() {
		if !inputs[t] {
			others = append(others, t)
		}
	}

	filter := newGCFilter(horizon, others)
	res, err := s.mergeTables(task, filter, expected)
	if err != nil {
		logger.Error("compaction failed",
			zap.Int("level", task.Level),
			zap.Int("inputs", len(task.Inputs)),
			zap.Error(err))
		return err
	}

	edit := &manifestEdit{
		NextFileNum: s.nextFileNum.Load(),
		LastVersion: s.clock.Load(),
	}
	for _, sst := range task.Inputs {
		edit.Deleted = append(edit.Deleted, sst.ID())
	}
	var next Table
	if res.output != nil {
		edit.Added = []TableMeta{tableMetaOf(res.output)}
		next = res.output
	}

	if err := s.manifest.Apply(edit); err != nil {
		s.discardTable(res.output)
		logger.Error("manifest update failed", zap.Error(err))
		return fmt.Errorf("compaction manifest: %w", err)
	}
	if err := s.registry.Swap(task.tables(), next); err != nil {
		// The manifest already names the output; keep the file for the
		// next Open to pick up.
		if res.output != nil {
			res.output.Close()
		}
		return fmt.Errorf("compaction install: %w", err)
	}

	event := CompactionEvent{
		Level:             task.Level,
		TargetLevel:       task.TargetLevel,
		InputTables:       len(task.Inputs),
		InputRecords:      res.inputRecords,
		OutputRecords:     res.outputRecords,
		DroppedVersions:   filter.droppedVersions,
		DroppedTombstones: filter.droppedTombstones,
		Duration:          time.Since(start),
	}
	if res.output != nil {
		event.OutputBytes = res.output.Size()
	}
	s.compactions.Add(1)
	s.events.CompactionCompleted(event)

	logger.Info("compaction finished",
		zap.Int("level", task.Level),
		zap.Int("target_level", task.TargetLevel),
		zap.Int("inputs", len(task.Inputs)),
		zap.Uint64("records_in", res.inputRecords),
		zap.Uint64("records_out", res.outputRecords),
		zap.Uint64("gc_horizon", horizon),
		zap.Duration("took", event.Duration))
	return nil
}

// mergeTables k-way merges the task inputs through filter into a new
// table. An empty result writes no table.
func (s *Store) mergeTables(task *CompactionTask, filter *gcFilter, expected uint) (*compactionResult, error) {
	iters := make([]Iterator, len(task.Inputs))
	for i, sst := range task.Inputs {
		iters[i] = sst.NewIterator(IterOptions{Horizon: math.MaxUint64})
	}
	merge := newMergeIterator(iters, false)
	defer merge.Close()

	id := s.allocFileNum()
	w, err := NewSSTableWriter(id, s.tablePath(id), expected, task.TargetLevel, s.opts)
	if err != nil {
		return nil, err
	}

	res := &compactionResult{}
	for merge.Next() {
		rec := merge.Record()
		res.inputRecords++
		ok, err := filter.keep(rec)
		if err != nil {
			w.Abort()
			return nil, err
		}
		if !ok {
			continue
		}
		if err := w.Add(rec); err != nil {
			w.Abort()
			return nil, err
		}
		res.outputRecords++
	}
	if err := merge.Err(); err != nil {
		w.Abort()
		return nil, err
	}

	if res.outputRecords == 0 {
		w.Abort()
		return res, nil
	}
	if err := w.Finish(); err != nil {
		w.Abort()
		return nil, err
	}
	if err := syncDir(s.dir); err != nil {
		w.Abort()
		return nil, err
	}

	sst, err := s.openTable(id)
	if err != nil {
		w.Abort()
		return nil, err
	}
	res.output = sst
	return res, nil
}

// CompactIfNeeded plans and runs compactions until no level has reached
// the fan-out. It returns the number of tasks run.
func (s *Store) CompactIfNeeded() (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	ran := 0
	for {
		tasks := s.planner.Plan()
		if len(tasks) == 0 {
			return ran, nil
		}
		for i, task := range tasks {
			if err := s.runCompaction(task); err != nil {
				for _, rest := range tasks[i+1:] {
					rest.Release()
				}
				return ran, err
			}
			ran++
		}
	}
}

// Compact flushes every memtable, then compacts until stable.
func (s *Store) Compact() error {
	if err := s.Flush(); err != nil {
		return err
	}
	_, err := s.CompactIfNeeded()
	return err
}
