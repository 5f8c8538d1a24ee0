package tinylsm

import "bytes"

// IterOptions bounds a table iterator.
type IterOptions struct {
	// Horizon hides records with a greater version.
	Horizon uint64
	// Start positions the iterator at the first user key >= Start
	// (or <= Start when Reverse). Nil starts at the beginning (or end).
	Start []byte
	// Reverse iterates in descending key order.
	Reverse bool
}

// Iterator is a lazy cursor over records. Call Next before the first
// Record. Records may alias table memory and must not be modified.
type Iterator interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// Table is the capability set shared by memtables and sstables.
type Table interface {
	ID() uint64
	Level() int
	Persistent() bool
	Get(userKey []byte, horizon uint64) (Record, bool, error)
	NewIterator(opts IterOptions) Iterator
	MaxVersion() uint64
	MinVersion() uint64
	Count() int64
}

var (
	_ Table = (*Memtable)(nil)
	_ Table = (*SSTable)(nil)
)

// mergeIterator performs a k-way merge over table iterators.
// Iterators are given newest table first; exact duplicate keys keep the
// record from the newest table.
type mergeIterator struct {
	iters   []Iterator
	heap    recordHeap
	current Record
	hasLast bool
	lastKey Key
	err     error
	started bool
}

type heapEntry struct {
	rec        Record
	tableIndex int // lower = newer
}

type recordHeap struct {
	entries []heapEntry
	reverse bool
}

func (h *recordHeap) less(i, j int) bool {
	cmp := CompareKeys(h.entries[i].rec.Key, h.entries[j].rec.Key)
	if h.reverse {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp < 0
	}
	// Same key: prefer lower tableIndex (newer)
	return h.entries[i].tableIndex < h.entries[j].tableIndex
}

// Inline heap operations to avoid interface{} boxing allocations

func (h *recordHeap) push(x heapEntry) {
	h.entries = append(h.entries, x)
	h.up(len(h.entries) - 1)
}

func (h *recordHeap) pop() heapEntry {
	n := len(h.entries) - 1
	h.entries[0], h.entries[n] = h.entries[n], h.entries[0]
	h.down(0, n)
	x := h.entries[n]
	h.entries = h.entries[:n]
	return x
}

func (h *recordHeap) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(j, i) {
			break
		}
		h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
		j = i
	}
}

func (h *recordHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2 // right child
		}
		if !h.less(j, i) {
			break
		}
		h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
		i = j
	}
}

func (h *recordHeap) init() {
	n := len(h.entries)
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

func newMergeIterator(iters []Iterator, reverse bool) *mergeIterator {
	return &mergeIterator{
		iters: iters,
		heap:  recordHeap{entries: make([]heapEntry, 0, len(iters)), reverse: reverse},
	}
}

func (m *mergeIterator) start() {
	m.started = true
	for i, it := range m.iters {
		if it.Next() {
			m.heap.entries = append(m.heap.entries, heapEntry{rec: it.Record(), tableIndex: i})
		} else if err := it.Err(); err != nil {
			m.err = err
			return
		}
	}
	m.heap.init()
}

func (m *mergeIterator) Next() bool {
	if !m.started {
		m.start()
	}
	for m.err == nil && len(m.heap.entries) > 0 {
		he := m.heap.pop()
		m.current = he.rec

		// Advance that iterator
		it := m.iters[he.tableIndex]
		if it.Next() {
			m.heap.push(heapEntry{rec: it.Record(), tableIndex: he.tableIndex})
		} else if err := it.Err(); err != nil {
			m.err = err
			return false
		}

		// Skip exact duplicates (keep first, which is newest)
		if m.hasLast && CompareKeys(m.current.Key, m.lastKey) == 0 {
			continue
		}
		m.hasLast = true
		m.lastKey = m.current.Key
		return true
	}
	return false
}

func (m *mergeIterator) Record() Record {
	return m.current
}

func (m *mergeIterator) Err() error {
	return m.err
}

func (m *mergeIterator) Close() error {
	var first error
	for _, it := range m.iters {
		if err := it.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// visibleIterator collapses a merged stream to one visible record per user
// key: the newest version (input is already horizon-bounded), with
// tombstones hidden. It yields user keys in [lower, upper); nil bounds are
// open.
type visibleIterator struct {
	src          Iterator
	reverse      bool
	lower, upper []byte
	current      Record

	// Reverse mode looks one record ahead to find the newest version.
	pending    Record
	hasPending bool
	done       bool
}

func newVisibleIterator(src Iterator, reverse bool, lower, upper []byte) *visibleIterator {
	return &visibleIterator{src: src, reverse: reverse, lower: lower, upper: upper}
}

func (v *visibleIterator) aboveUpper(userKey []byte) bool {
	return v.upper != nil && CompareUserKeys(userKey, v.upper) >= 0
}

func (v *visibleIterator) belowLower(userKey []byte) bool {
	return v.lower != nil && CompareUserKeys(userKey, v.lower) < 0
}

func (v *visibleIterator) Next() bool {
	if v.reverse {
		return v.nextReverse()
	}
	return v.nextForward()
}

func (v *visibleIterator) nextForward() bool {
	for !v.done && v.src.Next() {
		rec := v.src.Record()
		if v.aboveUpper(rec.Key.UserKey) {
			v.done = true
			return false
		}
		if v.current.Key.UserKey != nil && bytes.Equal(rec.Key.UserKey, v.current.Key.UserKey) {
			continue // older version of the key just returned or skipped
		}
		v.current = rec
		if rec.Value.IsTombstone() {
			continue
		}
		return true
	}
	return false
}

// nextReverse sees versions of one user key oldest first; the last one
// before the key changes is the visible one.
func (v *visibleIterator) nextReverse() bool {
	for !v.done {
		if !v.hasPending {
			if !v.src.Next() {
				v.done = true
				return false
			}
			v.pending = v.src.Record()
			v.hasPending = true
		}
		if v.belowLower(v.pending.Key.UserKey) {
			v.done = true
			return false
		}
		group := v.pending
		v.hasPending = false
		for v.src.Next() {
			rec := v.src.Record()
			if !bytes.Equal(rec.Key.UserKey, group.Key.UserKey) {
				v.pending = rec
				v.hasPending = true
				break
			}
			group = rec
		}
		if group.Value.IsTombstone() || v.aboveUpper(group.Key.UserKey) {
			continue
		}
		v.current = group
		return true
	}
	return false
}

func (v *visibleIterator) Record() Record {
	return v.current
}

func (v *visibleIterator) Err() error {
	return v.src.Err()
}

func (v *visibleIterator) Close() error {
	return v.src.Close()
}
