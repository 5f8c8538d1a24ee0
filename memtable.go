package tinylsm

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
)

const (
	maxHeight   = 12
	probability = 0.25
)

// memtableEntryOverhead approximates per-record skiplist and header cost.
const memtableEntryOverhead = 64

// ErrMemtableFrozen is returned by Put once a flush has started.
var ErrMemtableFrozen = errors.New("memtable is frozen")

// skiplistNode represents a node in the skiplist.
// Forward links are atomic so readers never take a lock.
type skiplistNode struct {
	rec  Record
	next []atomic.Pointer[skiplistNode]
}

func newSkiplistNode(rec Record, height int) *skiplistNode {
	return &skiplistNode{rec: rec, next: make([]atomic.Pointer[skiplistNode], height)}
}

// Memtable is the in-memory sorted buffer of one write generation.
// Readers are lock-free; concurrent writers serialize on an internal mutex.
// A node is fully built before it is linked, and links are published from
// the bottom level up, so readers always see a consistent list.
type Memtable struct {
	id     uint64
	head   *skiplistNode
	height atomic.Int32

	size       atomic.Int64 // Approximate size in bytes
	count      atomic.Int64
	minVersion atomic.Uint64
	maxVersion atomic.Uint64
	frozen     atomic.Bool

	mu  sync.Mutex // Serializes writers
	rng *rand.Rand // Guarded by mu
}

// NewMemtable creates an empty memtable for generation id.
func NewMemtable(id uint64) *Memtable {
	m := &Memtable{
		id:   id,
		head: newSkiplistNode(Record{}, maxHeight),
		rng:  rand.New(rand.NewSource(rand.Int63())),
	}
	m.height.Store(1)
	return m
}

// Put inserts a record. Versions never overwrite each other; inserting an
// existing (user key, version) pair again is a no-op, which keeps WAL
// replay idempotent.
func (m *Memtable) Put(key []byte, value Value, version uint64) error {
	if m.frozen.Load() {
		return ErrMemtableFrozen
	}

	rec := Record{Key: Key{UserKey: key, Version: version}, Value: value}

	m.mu.Lock()
	defer m.mu.Unlock()

	var prev [maxHeight]*skiplistNode
	x := m.findGreaterOrEqual(rec.Key, &prev)
	if x != nil && CompareKeys(x.rec.Key, rec.Key) == 0 {
		return nil
	}

	h := m.randomHeight()
	if cur := int(m.height.Load()); h > cur {
		for i := cur; i < h; i++ {
			prev[i] = m.head
		}
		m.height.Store(int32(h))
	}

	n := newSkiplistNode(rec, h)
	for i := 0; i < h; i++ {
		n.next[i].Store(prev[i].next[i].Load())
		prev[i].next[i].Store(n)
	}

	m.size.Add(int64(len(key)+len(value.Bytes)) + memtableEntryOverhead)
	m.count.Add(1)
	if m.count.Load() == 1 || version < m.minVersion.Load() {
		m.minVersion.Store(version)
	}
	if version > m.maxVersion.Load() {
		m.maxVersion.Store(version)
	}
	return nil
}

func (m *Memtable) randomHeight() int {
	h := 1
	for h < maxHeight && m.rng.Float64() < probability {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node whose key is >= key, filling
// prev with the rightmost node before it on every level when non-nil.
func (m *Memtable) findGreaterOrEqual(key Key, prev *[maxHeight]*skiplistNode) *skiplistNode {
	x := m.head
	for level := int(m.height.Load()) - 1; level >= 0; level-- {
		for {
			next := x.next[level].Load()
			if next == nil || CompareKeys(next.rec.Key, key) >= 0 {
				break
			}
			x = next
		}
		if prev != nil {
			prev[level] = x
		}
	}
	return x.next[0].Load()
}

// findLessThan returns the last node whose key is < key, or nil.
func (m *Memtable) findLessThan(key Key) *skiplistNode {
	x := m.head
	for level := int(m.height.Load()) - 1; level >= 0; level-- {
		for {
			next := x.next[level].Load()
			if next == nil || CompareKeys(next.rec.Key, key) >= 0 {
				break
			}
			x = next
		}
	}
	if x == m.head {
		return nil
	}
	return x
}

// findLast returns the last node, or nil if the memtable is empty.
func (m *Memtable) findLast() *skiplistNode {
	x := m.head
	for level := int(m.height.Load()) - 1; level >= 0; level-- {
		for next := x.next[level].Load(); next != nil; next = x.next[level].Load() {
			x = next
		}
	}
	if x == m.head {
		return nil
	}
	return x
}

// Get returns the newest record of userKey with version <= horizon.
// The returned record may be a tombstone.
func (m *Memtable) Get(userKey []byte, horizon uint64) (Record, bool, error) {
	n := m.findGreaterOrEqual(seekKey(userKey, horizon), nil)
	if n == nil || CompareUserKeys(n.rec.Key.UserKey, userKey) != 0 {
		return Record{}, false, nil
	}
	return n.rec, true, nil
}

// NewIterator returns a lazy iterator over records with version <= opts.Horizon.
func (m *Memtable) NewIterator(opts IterOptions) Iterator {
	return &memtableIterator{m: m, opts: opts}
}

// ID returns the generation id, which is also the WAL file number.
func (m *Memtable) ID() uint64 {
	return m.id
}

// Level returns -1; memtables are not part of any level.
func (m *Memtable) Level() int {
	return -1
}

// Persistent returns false.
func (m *Memtable) Persistent() bool {
	return false
}

// Freeze stops further writes. It is called when a flush begins.
func (m *Memtable) Freeze() {
	m.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (m *Memtable) Frozen() bool {
	return m.frozen.Load()
}

// Size returns the approximate memory footprint in bytes.
func (m *Memtable) Size() int64 {
	return m.size.Load()
}

// Count returns the number of records.
func (m *Memtable) Count() int64 {
	return m.count.Load()
}

// MaxVersion returns the highest version stored.
func (m *Memtable) MaxVersion() uint64 {
	return m.maxVersion.Load()
}

// MinVersion returns the lowest version stored.
func (m *Memtable) MinVersion() uint64 {
	return m.minVersion.Load()
}

// memtableIterator walks the skiplist. Backward steps re-search from the
// head since nodes carry no back links.
type memtableIterator struct {
	m       *Memtable
	opts    IterOptions
	node    *skiplistNode
	started bool
}

func (it *memtableIterator) Next() bool {
	for {
		if !it.step() {
			return false
		}
		if it.node.rec.Key.Version <= it.opts.Horizon {
			return true
		}
	}
}

func (it *memtableIterator) step() bool {
	if !it.started {
		it.started = true
		it.node = it.first()
		return it.node != nil
	}
	if it.node == nil {
		return false
	}
	if it.opts.Reverse {
		it.node = it.m.findLessThan(it.node.rec.Key)
	} else {
		it.node = it.node.next[0].Load()
	}
	return it.node != nil
}

func (it *memtableIterator) first() *skiplistNode {
	switch {
	case !it.opts.Reverse && it.opts.Start == nil:
		return it.m.head.next[0].Load()
	case !it.opts.Reverse:
		return it.m.findGreaterOrEqual(firstKeyOf(it.opts.Start), nil)
	case it.opts.Start == nil:
		return it.m.findLast()
	default:
		// Last node <= the oldest possible version of Start
		last := lastKeyOf(it.opts.Start)
		if n := it.m.findGreaterOrEqual(last, nil); n != nil && CompareKeys(n.rec.Key, last) == 0 {
			return n
		}
		return it.m.findLessThan(last)
	}
}

func (it *memtableIterator) Record() Record {
	if it.node == nil {
		return Record{}
	}
	return it.node.rec
}

func (it *memtableIterator) Err() error {
	return nil
}

func (it *memtableIterator) Close() error {
	it.node = nil
	return nil
}
