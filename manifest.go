package tinylsm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Manifest records which tables are live, which logs have been flushed,
// and the counters needed to reopen the store. It is an append-only log
// of edits; replaying it rebuilds the state without reading any table.
type Manifest struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	writer *bufio.Writer
	offset int64 // End of the last durable record

	tables      map[uint64]TableMeta
	flushedLogs map[uint64]bool
	nextFileNum uint64
	lastVersion uint64
	edits       int // Records in the file
}

// TableMeta describes a live SSTable.
type TableMeta struct {
	ID         uint64 `msgpack:"id"`
	Level      int    `msgpack:"level"`
	Size       int64  `msgpack:"size"`
	NumRecords uint64 `msgpack:"num_records"`
	MinVersion uint64 `msgpack:"min_version"`
	MaxVersion uint64 `msgpack:"max_version"`
	MinKey     []byte `msgpack:"min_key"`
	MaxKey     []byte `msgpack:"max_key"`
}

// manifestEdit is one manifest record. A snapshot edit replaces the
// whole state; any other edit is applied as a delta.
type manifestEdit struct {
	Snapshot    bool        `msgpack:"snapshot,omitempty"`
	Added       []TableMeta `msgpack:"added,omitempty"`
	Deleted     []uint64    `msgpack:"deleted,omitempty"`
	FlushedLogs []uint64    `msgpack:"flushed_logs,omitempty"`
	NextFileNum uint64      `msgpack:"next_file_num"`
	LastVersion uint64      `msgpack:"last_version"`
}

// Manifest file magic and version
const (
	manifestMagic      uint32 = 0x4D414E49 // "MANI"
	manifestVersion    uint32 = 2
	manifestHeaderSize        = 8

	// manifestRewriteThreshold is the edit count above which Open
	// compacts the manifest into a single snapshot edit.
	manifestRewriteThreshold = 1024

	maxManifestRecord = 64 * 1024 * 1024
)

var (
	ErrInvalidManifest = errors.New("invalid manifest file")
	ErrManifestCorrupt = errors.New("manifest file corrupted")
)

// OpenManifest opens or creates a manifest file. A torn trailing record
// is discarded and truncated away.
func OpenManifest(path string) (*Manifest, error) {
	m := &Manifest{
		path:        path,
		tables:      make(map[uint64]TableMeta),
		flushedLogs: make(map[uint64]bool),
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		return m.create()
	}
	if err != nil {
		return nil, err
	}
	m.file = file

	end, err := m.recover()
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Truncate(end); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}

	m.writer = bufio.NewWriter(file)
	m.offset = end
	return m, nil
}

// create creates a new manifest file with header.
func (m *Manifest) create() (*Manifest, error) {
	file, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	m.file = file

	if _, err := file.Write(manifestHeader()); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, err
	}

	m.writer = bufio.NewWriter(file)
	m.offset = manifestHeaderSize
	return m, nil
}

func manifestHeader() []byte {
	header := make([]byte, manifestHeaderSize)
	binary.LittleEndian.PutUint32(header[0:], manifestMagic)
	binary.LittleEndian.PutUint32(header[4:], manifestVersion)
	return header
}

// recover replays every valid record and returns the offset just past
// the last one.
func (m *Manifest) recover() (int64, error) {
	header := make([]byte, manifestHeaderSize)
	if _, err := m.file.ReadAt(header, 0); err != nil {
		return 0, ErrInvalidManifest
	}
	if binary.LittleEndian.Uint32(header[0:]) != manifestMagic ||
		binary.LittleEndian.Uint32(header[4:]) != manifestVersion {
		return 0, ErrInvalidManifest
	}

	if _, err := m.file.Seek(manifestHeaderSize, io.SeekStart); err != nil {
		return 0, err
	}
	reader := bufio.NewReader(m.file)
	offset := int64(manifestHeaderSize)

	for {
		edit, n, err := readManifestRecord(reader)
		if err != nil {
			// io.EOF or a torn tail: the valid prefix is the manifest
			break
		}
		m.apply(edit)
		m.edits++
		offset += n
	}
	return offset, nil
}

// readManifestRecord reads [len:4][payload][crc:4].
func readManifestRecord(r io.Reader) (*manifestEdit, int64, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, 0, err
	}
	length := binary.LittleEndian.Uint32(lengthBuf[:])
	if length == 0 || length > maxManifestRecord {
		return nil, 0, ErrManifestCorrupt
	}

	data := make([]byte, int(length)+4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, err
	}
	payload := data[:length]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(data[length:]) {
		return nil, 0, ErrManifestCorrupt
	}

	var edit manifestEdit
	if err := msgpack.Unmarshal(payload, &edit); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	return &edit, int64(len(data)) + 4, nil
}

func encodeManifestRecord(edit *manifestEdit) ([]byte, error) {
	payload, err := msgpack.Marshal(edit)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(payload)+8)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload)), nil
}

// apply folds an edit into the in-memory state.
func (m *Manifest) apply(edit *manifestEdit) {
	if edit.Snapshot {
		m.tables = make(map[uint64]TableMeta, len(edit.Added))
		m.flushedLogs = make(map[uint64]bool, len(edit.FlushedLogs))
	}
	for _, id := range edit.Deleted {
		delete(m.tables, id)
	}
	for _, meta := range edit.Added {
		m.tables[meta.ID] = meta
	}
	for _, id := range edit.FlushedLogs {
		m.flushedLogs[id] = true
	}
	if edit.NextFileNum > m.nextFileNum {
		m.nextFileNum = edit.NextFileNum
	}
	if edit.LastVersion > m.lastVersion {
		m.lastVersion = edit.LastVersion
	}
}

// Apply durably appends an edit, then applies it.
func (m *Manifest) Apply(edit *manifestEdit) error {
	data, err := encodeManifestRecord(edit)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.append(data); err != nil {
		if rerr := m.rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rerr)
		}
		return err
	}
	m.offset += int64(len(data))
	m.apply(edit)
	m.edits++
	return nil
}

func (m *Manifest) append(data []byte) error {
	if _, err := m.writer.Write(data); err != nil {
		return err
	}
	if err := m.writer.Flush(); err != nil {
		return err
	}
	return m.file.Sync()
}

// rollback cuts the file back to the last durable record and replaces
// the writer, whose error is sticky. Callers hold m.mu.
func (m *Manifest) rollback() error {
	m.writer = bufio.NewWriter(m.file)
	if err := m.file.Truncate(m.offset); err != nil {
		return err
	}
	_, err := m.file.Seek(m.offset, io.SeekStart)
	return err
}

// snapshotEdit returns an edit that recreates the current state.
// Callers hold m.mu.
func (m *Manifest) snapshotEdit() *manifestEdit {
	edit := &manifestEdit{
		Snapshot:    true,
		NextFileNum: m.nextFileNum,
		LastVersion: m.lastVersion,
	}
	for _, meta := range m.tables {
		edit.Added = append(edit.Added, meta)
	}
	sort.Slice(edit.Added, func(i, j int) bool { return edit.Added[i].ID < edit.Added[j].ID })
	for id := range m.flushedLogs {
		edit.FlushedLogs = append(edit.FlushedLogs, id)
	}
	sort.Slice(edit.FlushedLogs, func(i, j int) bool { return edit.FlushedLogs[i] < edit.FlushedLogs[j] })
	return edit
}

// Rewrite replaces the manifest with a single snapshot edit via a temp
// file and rename.
func (m *Manifest) Rewrite() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := encodeManifestRecord(m.snapshotEdit())
	if err != nil {
		return err
	}

	tmpPath := m.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(manifestHeader(), data...)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	m.writer.Flush()
	m.file.Close()
	m.file = tmp
	m.writer = bufio.NewWriter(tmp)
	m.offset = int64(manifestHeaderSize + len(data))
	m.edits = 1
	return syncDir(filepath.Dir(m.path))
}

// NeedsRewrite reports whether the edit log has grown past the threshold.
func (m *Manifest) NeedsRewrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edits > manifestRewriteThreshold
}

// Tables returns all live tables ordered by id.
func (m *Manifest) Tables() []TableMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]TableMeta, 0, len(m.tables))
	for _, meta := range m.tables {
		result = append(result, meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// HasTable reports whether id is a live table.
func (m *Manifest) HasTable(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[id]
	return ok
}

// LogFlushed reports whether the log with file number id was flushed.
func (m *Manifest) LogFlushed(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushedLogs[id]
}

// ForgetLogs drops flushed-log entries whose files are gone. The change
// is persisted by the next Rewrite.
func (m *Manifest) ForgetLogs(ids []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.flushedLogs, id)
	}
}

// NextFileNum returns the persisted file-number high-water mark.
func (m *Manifest) NextFileNum() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextFileNum
}

// LastVersion returns the highest version recorded by any edit.
func (m *Manifest) LastVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastVersion
}

// Close closes the manifest file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		m.writer.Flush()
	}
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}

// tableMetaOf describes an open table for the manifest.
func tableMetaOf(sst *SSTable) TableMeta {
	return TableMeta{
		ID:         sst.ID(),
		Level:      sst.Level(),
		Size:       sst.Size(),
		NumRecords: uint64(sst.Count()),
		MinVersion: sst.MinVersion(),
		MaxVersion: sst.MaxVersion(),
		MinKey:     sst.MinKey(),
		MaxKey:     sst.MaxKey(),
	}
}
