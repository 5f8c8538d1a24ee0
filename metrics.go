package tinylsm

import (
	"sync/atomic"
	"time"
)

// EventSink receives engine events. Implementations must be safe for
// concurrent use and must not block; the engine calls them inline.
type EventSink interface {
	WriteCompleted(WriteEvent)
	ReadCompleted(ReadEvent)
	FlushCompleted(FlushEvent)
	CompactionCompleted(CompactionEvent)
}

// WriteEvent describes one Put, Delete or batch Write.
type WriteEvent struct {
	Records  int
	Bytes    int
	Version  uint64 // last version assigned
	Duration time.Duration
}

// ReadEvent describes one point lookup.
type ReadEvent struct {
	Found        bool
	TablesProbed int
	Duration     time.Duration
}

// FlushEvent describes a memtable flushed to a level-0 table.
type FlushEvent struct {
	MemtableID uint64
	TableID    uint64
	Records    int64
	Bytes      int64
	Duration   time.Duration
}

// CompactionEvent describes a finished compaction task.
type CompactionEvent struct {
	Level             int
	TargetLevel       int
	InputTables       int
	InputRecords      uint64
	OutputRecords     uint64
	DroppedVersions   uint64
	DroppedTombstones uint64
	OutputBytes       int64
	Duration          time.Duration
}

type nopSink struct{}

func (nopSink) WriteCompleted(WriteEvent)           {}
func (nopSink) ReadCompleted(ReadEvent)             {}
func (nopSink) FlushCompleted(FlushEvent)           {}
func (nopSink) CompactionCompleted(CompactionEvent) {}

// Metrics is an EventSink that aggregates events into counters.
type Metrics struct {
	writes            atomic.Uint64
	writeRecords      atomic.Uint64
	writeBytes        atomic.Uint64
	writeNanos        atomic.Int64
	reads             atomic.Uint64
	readHits          atomic.Uint64
	readNanos         atomic.Int64
	tablesProbed      atomic.Uint64
	flushes           atomic.Uint64
	flushBytes        atomic.Uint64
	compactions       atomic.Uint64
	compactionBytes   atomic.Uint64
	droppedVersions   atomic.Uint64
	droppedTombstones atomic.Uint64
}

// NewMetrics creates an empty counter sink.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) WriteCompleted(e WriteEvent) {
	m.writes.Add(1)
	m.writeRecords.Add(uint64(e.Records))
	m.writeBytes.Add(uint64(e.Bytes))
	m.writeNanos.Add(int64(e.Duration))
}

func (m *Metrics) ReadCompleted(e ReadEvent) {
	m.reads.Add(1)
	if e.Found {
		m.readHits.Add(1)
	}
	m.tablesProbed.Add(uint64(e.TablesProbed))
	m.readNanos.Add(int64(e.Duration))
}

func (m *Metrics) FlushCompleted(e FlushEvent) {
	m.flushes.Add(1)
	m.flushBytes.Add(uint64(e.Bytes))
}

func (m *Metrics) CompactionCompleted(e CompactionEvent) {
	m.compactions.Add(1)
	m.compactionBytes.Add(uint64(e.OutputBytes))
	m.droppedVersions.Add(e.DroppedVersions)
	m.droppedTombstones.Add(e.DroppedTombstones)
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Writes            uint64
	WriteRecords      uint64
	WriteBytes        uint64
	WriteTime         time.Duration
	Reads             uint64
	ReadHits          uint64
	ReadTime          time.Duration
	TablesProbed      uint64
	Flushes           uint64
	FlushBytes        uint64
	Compactions       uint64
	CompactionBytes   uint64
	DroppedVersions   uint64
	DroppedTombstones uint64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Writes:            m.writes.Load(),
		WriteRecords:      m.writeRecords.Load(),
		WriteBytes:        m.writeBytes.Load(),
		WriteTime:         time.Duration(m.writeNanos.Load()),
		Reads:             m.reads.Load(),
		ReadHits:          m.readHits.Load(),
		ReadTime:          time.Duration(m.readNanos.Load()),
		TablesProbed:      m.tablesProbed.Load(),
		Flushes:           m.flushes.Load(),
		FlushBytes:        m.flushBytes.Load(),
		Compactions:       m.compactions.Load(),
		CompactionBytes:   m.compactionBytes.Load(),
		DroppedVersions:   m.droppedVersions.Load(),
		DroppedTombstones: m.droppedTombstones.Load(),
	}
}

// HitRate returns the read hit rate as a percentage.
func (s MetricsSnapshot) HitRate() float64 {
	if s.Reads == 0 {
		return 0
	}
	return float64(s.ReadHits) / float64(s.Reads) * 100
}
