package tinylsm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	errTableNotFound  = errors.New("table not registered")
	errRegistryClosed = errors.New("registry closed")
)

// tableSet is an immutable snapshot of the live tables. Each set holds
// one reference on every SSTable in it.
type tableSet struct {
	memtables []*Memtable  // Newest first; [0] is the active memtable
	levels    [][]*SSTable // Per level, newest first
	refs      atomic.Int32
}

func newTableSet(memtables []*Memtable, levels [][]*SSTable) *tableSet {
	s := &tableSet{memtables: memtables, levels: levels}
	s.refs.Store(1)
	for _, level := range levels {
		for _, sst := range level {
			sst.ref()
		}
	}
	return s
}

func (s *tableSet) ref() {
	s.refs.Add(1)
}

func (s *tableSet) unref() {
	if s.refs.Add(-1) == 0 {
		for _, level := range s.levels {
			for _, sst := range level {
				sst.unref()
			}
		}
	}
}

// copyLevels returns a copy of levels deep enough to edit one level.
func copyLevels(levels [][]*SSTable) [][]*SSTable {
	out := make([][]*SSTable, len(levels))
	for i, level := range levels {
		out[i] = append([]*SSTable(nil), level...)
	}
	return out
}

// Registry is the authoritative set of live tables.
// Mutations take the exclusive lock and publish a new tableSet; readers
// hold the shared lock only long enough to reference the current set.
type Registry struct {
	mu      sync.RWMutex
	current *tableSet
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{current: newTableSet(nil, nil)}
}

// install publishes next and drops the registry's reference on the old
// set. Callers hold r.mu.
func (r *Registry) install(next *tableSet) {
	prev := r.current
	r.current = next
	prev.unref()
}

// Add registers a table. A memtable becomes the active one and the
// previously active memtable is frozen. An SSTable is inserted as the
// newest table of its level.
func (r *Registry) Add(t Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRegistryClosed
	}

	cur := r.current
	switch t := t.(type) {
	case *Memtable:
		if len(cur.memtables) > 0 {
			cur.memtables[0].Freeze()
		}
		mems := make([]*Memtable, 0, len(cur.memtables)+1)
		mems = append(mems, t)
		mems = append(mems, cur.memtables...)
		r.install(newTableSet(mems, cur.levels))
	case *SSTable:
		r.install(newTableSet(cur.memtables, insertTable(cur.levels, t)))
	default:
		return fmt.Errorf("register table %d: unsupported type %T", t.ID(), t)
	}
	return nil
}

// insertTable returns levels with sst prepended to its level.
func insertTable(levels [][]*SSTable, sst *SSTable) [][]*SSTable {
	out := copyLevels(levels)
	for len(out) <= sst.Level() {
		out = append(out, nil)
	}
	out[sst.Level()] = append([]*SSTable{sst}, out[sst.Level()]...)
	return out
}

// Remove unregisters a table. A removed SSTable is retired and its file
// deleted once no view references it.
func (r *Registry) Remove(t Table) error {
	return r.Swap([]Table{t}, nil)
}

// Swap atomically replaces old with next. A nil next removes old without
// replacement. Every table in old must be registered; otherwise the
// registry is left unchanged.
func (r *Registry) Swap(old []Table, next Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRegistryClosed
	}

	cur := r.current
	gone := make(map[Table]bool, len(old))
	for _, t := range old {
		gone[t] = true
	}

	mems := make([]*Memtable, 0, len(cur.memtables))
	for _, m := range cur.memtables {
		if gone[m] {
			delete(gone, m)
			continue
		}
		mems = append(mems, m)
	}
	levels := make([][]*SSTable, len(cur.levels))
	var retired []*SSTable
	for i, level := range cur.levels {
		for _, sst := range level {
			if gone[sst] {
				delete(gone, sst)
				retired = append(retired, sst)
				continue
			}
			levels[i] = append(levels[i], sst)
		}
	}
	if len(gone) > 0 {
		for t := range gone {
			return fmt.Errorf("swap table %d: %w", t.ID(), errTableNotFound)
		}
	}

	switch t := next.(type) {
	case nil:
	case *SSTable:
		levels = insertTable(levels, t)
	default:
		return fmt.Errorf("swap in table %d: unsupported type %T", t.ID(), t)
	}

	r.install(newTableSet(mems, levels))
	for _, sst := range retired {
		sst.markObsolete()
	}
	return nil
}

// ActiveMemtable returns the writable memtable, or nil if none.
func (r *Registry) ActiveMemtable() *Memtable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.current.memtables) == 0 {
		return nil
	}
	return r.current.memtables[0]
}

// ImmutableMemtables returns the frozen memtables, oldest first.
func (r *Registry) ImmutableMemtables() []*Memtable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Memtable
	mems := r.current.memtables
	for i := len(mems) - 1; i >= 0; i-- {
		if mems[i].Frozen() {
			out = append(out, mems[i])
		}
	}
	return out
}

// AllTables returns a referenced view of every live table.
// The caller must Release it.
func (r *Registry) AllTables() *View {
	r.mu.RLock()
	set := r.current
	set.ref()
	r.mu.RUnlock()
	return &View{set: set}
}

// TablesAtLevel returns the SSTables of level, newest first.
func (r *Registry) TablesAtLevel(level int) []*SSTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if level < 0 || level >= len(r.current.levels) {
		return nil
	}
	return append([]*SSTable(nil), r.current.levels[level]...)
}

// NumLevels returns the number of levels that have ever held a table.
func (r *Registry) NumLevels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.current.levels)
}

// Close closes every live SSTable file. Views still held keep their
// references but can no longer read blocks that are not cached.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var first error
	for _, level := range r.current.levels {
		for _, sst := range level {
			if err := sst.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	r.current.unref()
	return first
}

// View is a consistent, referenced snapshot of the registry.
type View struct {
	set      *tableSet
	released atomic.Bool
}

// Tables returns every table in recency order: the active memtable,
// immutable memtables newest first, then L0 newest first, L1, and so on.
func (v *View) Tables() []Table {
	n := len(v.set.memtables)
	for _, level := range v.set.levels {
		n += len(level)
	}
	out := make([]Table, 0, n)
	for _, m := range v.set.memtables {
		out = append(out, m)
	}
	for _, level := range v.set.levels {
		for _, sst := range level {
			out = append(out, sst)
		}
	}
	return out
}

// Memtables returns the memtables, newest first.
func (v *View) Memtables() []*Memtable {
	return v.set.memtables
}

// Level returns the SSTables of level, newest first.
func (v *View) Level(level int) []*SSTable {
	if level < 0 || level >= len(v.set.levels) {
		return nil
	}
	return v.set.levels[level]
}

// NumLevels returns the number of levels in the view.
func (v *View) NumLevels() int {
	return len(v.set.levels)
}

// Release drops the view's references. It is safe to call more than once.
func (v *View) Release() {
	if v.released.CompareAndSwap(false, true) {
		v.set.unref()
	}
}
