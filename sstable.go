package tinylsm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// SSTable magic number and version
const (
	SSTableMagic   uint64 = 0x544C534D_00000001 // "TLSM" + version 1
	SSTableVersion uint32 = 1
)

// SSTableFooterSize is the fixed size of the footer in bytes.
const SSTableFooterSize = 72

// Errors
var (
	ErrInvalidSSTable = errors.New("invalid sstable format")
	errWriterFinished = errors.New("sstable writer already finished")
)

// tableFooter is the fixed-size footer at the end of each SSTable.
// Layout (little-endian): index off(8) size(4), filter off(8) size(4),
// props off(8) size(4), records(8), max version(8), file size(8),
// magic(8), crc32 of the preceding 68 bytes(4).
type tableFooter struct {
	IndexOffset  uint64
	IndexSize    uint32
	FilterOffset uint64
	FilterSize   uint32
	PropsOffset  uint64
	PropsSize    uint32
	NumRecords   uint64
	MaxVersion   uint64
	FileSize     uint64
	Magic        uint64
}

// tableProperties is the msgpack-encoded properties block.
type tableProperties struct {
	Level         int    `msgpack:"level"`
	MinVersion    uint64 `msgpack:"min_version"`
	MaxVersion    uint64 `msgpack:"max_version"`
	NumRecords    uint64 `msgpack:"num_records"`
	NumTombstones uint64 `msgpack:"num_tombstones"`
	NumBlocks     int    `msgpack:"num_blocks"`
	Compression   string `msgpack:"compression"`
	CreatedAt     int64  `msgpack:"created_at"`
}

// SSTable is a sealed, immutable on-disk table. All methods are safe for
// concurrent use without locks.
//
// Lifecycle: a table is referenced by every registry view containing it.
// Once retired by markObsolete, the file is closed and deleted when the
// last reference is dropped.
type SSTable struct {
	id       uint64
	path     string
	footer   tableFooter
	props    tableProperties
	index    *Index
	filter   *BloomFilter
	file     *os.File
	fileSize int64

	cache  *lruCache
	verify bool

	refs     atomic.Int32
	obsolete atomic.Bool
	claimed  atomic.Bool // Owned by a planned compaction
	destroy  sync.Once
	onDelete func(*SSTable, error)
}

// OpenSSTable opens a sealed table. A nil cache disables block caching.
func OpenSSTable(id uint64, path string, cache *lruCache, verify bool) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sst, err := openSSTable(id, path, file, cache, verify)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open sstable %s: %w", path, err)
	}
	return sst, nil
}

func openSSTable(id uint64, path string, file *os.File, cache *lruCache, verify bool) (*SSTable, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	fileSize := stat.Size()
	if fileSize < SSTableFooterSize {
		return nil, ErrInvalidSSTable
	}

	footerBuf := make([]byte, SSTableFooterSize)
	if _, err := file.ReadAt(footerBuf, fileSize-SSTableFooterSize); err != nil {
		return nil, err
	}
	footer, err := parseFooter(footerBuf)
	if err != nil {
		return nil, err
	}
	if footer.FileSize != uint64(fileSize) {
		return nil, fmt.Errorf("%w: file size %d, footer says %d", ErrCorruptedData, fileSize, footer.FileSize)
	}

	readSection := func(off uint64, size uint32) ([]byte, error) {
		if off+uint64(size) > uint64(fileSize)-SSTableFooterSize {
			return nil, ErrCorruptedData
		}
		buf := make([]byte, size)
		if _, err := file.ReadAt(buf, int64(off)); err != nil {
			return nil, err
		}
		return buf, nil
	}

	indexBuf, err := readSection(footer.IndexOffset, footer.IndexSize)
	if err != nil {
		return nil, err
	}
	index, err := DeserializeIndex(indexBuf)
	if err != nil {
		return nil, err
	}

	var filter *BloomFilter
	if footer.FilterSize > 0 {
		filterBuf, err := readSection(footer.FilterOffset, footer.FilterSize)
		if err != nil {
			return nil, err
		}
		if filter, err = DeserializeBloomFilter(filterBuf); err != nil {
			return nil, err
		}
	}

	propsBuf, err := readSection(footer.PropsOffset, footer.PropsSize)
	if err != nil {
		return nil, err
	}
	propsBody, err := checkTrailingCRC(propsBuf)
	if err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	var props tableProperties
	if err := msgpack.Unmarshal(propsBody, &props); err != nil {
		return nil, fmt.Errorf("%w: properties: %v", ErrCorruptedData, err)
	}
	if props.NumRecords != footer.NumRecords || props.MaxVersion != footer.MaxVersion {
		return nil, fmt.Errorf("%w: properties disagree with footer", ErrCorruptedData)
	}

	return &SSTable{
		id:       id,
		path:     path,
		footer:   footer,
		props:    props,
		index:    index,
		filter:   filter,
		file:     file,
		fileSize: fileSize,
		cache:    cache,
		verify:   verify,
	}, nil
}

// ID returns the table's file number.
func (sst *SSTable) ID() uint64 { return sst.id }

// Path returns the table's file path.
func (sst *SSTable) Path() string { return sst.path }

// Level returns the level the table was written for.
func (sst *SSTable) Level() int { return sst.props.Level }

// Persistent returns true.
func (sst *SSTable) Persistent() bool { return true }

// Count returns the number of records, counting every version.
func (sst *SSTable) Count() int64 { return int64(sst.props.NumRecords) }

// NumTombstones returns the number of tombstone records.
func (sst *SSTable) NumTombstones() uint64 { return sst.props.NumTombstones }

// Size returns the file size in bytes.
func (sst *SSTable) Size() int64 { return sst.fileSize }

// MaxVersion returns the highest version stored.
func (sst *SSTable) MaxVersion() uint64 { return sst.props.MaxVersion }

// MinVersion returns the lowest version stored.
func (sst *SSTable) MinVersion() uint64 { return sst.props.MinVersion }

// MinKey returns the smallest user key, or nil for an empty table.
func (sst *SSTable) MinKey() []byte { return sst.index.MinKey }

// MaxKey returns the largest user key, or nil for an empty table.
func (sst *SSTable) MaxKey() []byte { return sst.index.MaxKey }

// MightContain reports whether any version of userKey may be stored.
func (sst *SSTable) MightContain(userKey []byte) bool {
	if !sst.index.InRange(userKey) {
		return false
	}
	return sst.filter == nil || sst.filter.MayContain(userKey)
}

// Get returns the newest record of userKey with version <= horizon.
// The returned record aliases cached block memory and may be a tombstone.
func (sst *SSTable) Get(userKey []byte, horizon uint64) (Record, bool, error) {
	if horizon < sst.props.MinVersion || !sst.MightContain(userKey) {
		return Record{}, false, nil
	}

	target := seekKey(userKey, horizon)
	for bi := sst.index.Search(target); bi >= 0 && bi < len(sst.index.Entries); bi++ {
		block, err := sst.readBlock(bi)
		if err != nil {
			return Record{}, false, err
		}
		i := block.seekGE(target)
		if i == len(block.Records) {
			continue // Block ends before target
		}
		rec := block.Records[i]
		if CompareUserKeys(rec.Key.UserKey, userKey) != 0 {
			return Record{}, false, nil
		}
		return rec, true, nil
	}
	return Record{}, false, nil
}

// readBlock returns decoded block bi, going through the block cache.
func (sst *SSTable) readBlock(bi int) (*Block, error) {
	entry := sst.index.Entries[bi]
	key := cacheKey{FileID: sst.id, BlockOffset: entry.BlockOffset}
	if block, ok := sst.cache.Get(key); ok {
		return block, nil
	}

	data := make([]byte, entry.BlockSize)
	if _, err := sst.file.ReadAt(data, int64(entry.BlockOffset)); err != nil {
		return nil, fmt.Errorf("sstable %d: read block at %d: %w", sst.id, entry.BlockOffset, err)
	}
	block, err := DecodeBlock(data, sst.verify)
	if err != nil {
		return nil, fmt.Errorf("sstable %d: block at %d: %w", sst.id, entry.BlockOffset, err)
	}
	sst.cache.Put(key, block)
	return block, nil
}

// NewIterator returns a lazy iterator. Blocks are loaded on demand.
func (sst *SSTable) NewIterator(opts IterOptions) Iterator {
	return &sstableIterator{sst: sst, opts: opts}
}

// Close closes the underlying file.
func (sst *SSTable) Close() error {
	return sst.file.Close()
}

func (sst *SSTable) ref() {
	sst.refs.Add(1)
}

func (sst *SSTable) unref() {
	if sst.refs.Add(-1) == 0 && sst.obsolete.Load() {
		sst.deleteFile()
	}
}

// markObsolete retires the table. The file is deleted once no view
// references it.
func (sst *SSTable) markObsolete() {
	sst.obsolete.Store(true)
	if sst.refs.Load() == 0 {
		sst.deleteFile()
	}
}

func (sst *SSTable) deleteFile() {
	sst.destroy.Do(func() {
		sst.file.Close()
		err := os.Remove(sst.path)
		sst.cache.RemoveByFileID(sst.id)
		if sst.onDelete != nil {
			sst.onDelete(sst, err)
		}
	})
}

func (sst *SSTable) tryClaim() bool {
	return sst.claimed.CompareAndSwap(false, true)
}

func (sst *SSTable) unclaim() {
	sst.claimed.Store(false)
}

// sstableIterator walks blocks in either direction.
type sstableIterator struct {
	sst      *SSTable
	opts     IterOptions
	blockIdx int
	block    *Block
	pos      int
	started  bool
	done     bool
	err      error
}

func (it *sstableIterator) Next() bool {
	for !it.done && it.err == nil {
		if !it.started {
			it.started = true
			if !it.seekStart() {
				return false
			}
		} else {
			if it.opts.Reverse {
				it.pos--
			} else {
				it.pos++
			}
			if !it.settle() {
				return false
			}
		}
		if it.block.Records[it.pos].Key.Version <= it.opts.Horizon {
			return true
		}
	}
	return false
}

func (it *sstableIterator) seekStart() bool {
	entries := it.sst.index.Entries
	if len(entries) == 0 {
		it.done = true
		return false
	}

	switch {
	case !it.opts.Reverse && it.opts.Start == nil:
		if !it.load(0) {
			return false
		}
		it.pos = 0
	case !it.opts.Reverse:
		target := firstKeyOf(it.opts.Start)
		if !it.load(it.sst.index.Search(target)) {
			return false
		}
		it.pos = it.block.seekGE(target)
	case it.opts.Start == nil:
		if !it.load(len(entries) - 1) {
			return false
		}
		it.pos = len(it.block.Records) - 1
	default:
		target := lastKeyOf(it.opts.Start)
		if !it.load(it.sst.index.Search(target)) {
			return false
		}
		it.pos = it.block.seekLE(target)
	}
	return it.settle()
}

// settle crosses block boundaries until pos names a record.
func (it *sstableIterator) settle() bool {
	for it.pos < 0 || it.pos >= len(it.block.Records) {
		next := it.blockIdx + 1
		if it.opts.Reverse {
			next = it.blockIdx - 1
		}
		if next < 0 || next >= len(it.sst.index.Entries) {
			it.done = true
			return false
		}
		if !it.load(next) {
			return false
		}
		if it.opts.Reverse {
			it.pos = len(it.block.Records) - 1
		} else {
			it.pos = 0
		}
	}
	return true
}

func (it *sstableIterator) load(bi int) bool {
	block, err := it.sst.readBlock(bi)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	it.blockIdx = bi
	it.block = block
	return true
}

func (it *sstableIterator) Record() Record {
	if it.block == nil || it.pos < 0 || it.pos >= len(it.block.Records) {
		return Record{}
	}
	return it.block.Records[it.pos]
}

func (it *sstableIterator) Err() error {
	return it.err
}

func (it *sstableIterator) Close() error {
	it.done = true
	it.block = nil
	return nil
}

// SSTableWriter builds an SSTable file from records in strictly
// increasing key order.
type SSTableWriter struct {
	file *os.File
	w    *bufio.Writer
	path string
	opts Options
	id   uint64

	level        int
	blockBuilder *blockBuilder
	indexBuilder *IndexBuilder
	bloomFilter  *BloomFilter

	offset        uint64
	numRecords    uint64
	numTombstones uint64
	numBlocks     int
	minVersion    uint64
	maxVersion    uint64

	lastKey    Key
	lastKeyBuf []byte

	finished bool
	size     int64
}

// NewSSTableWriter creates a writer for a table destined for level.
// expectedCount sizes the bloom filter.
func NewSSTableWriter(id uint64, path string, expectedCount uint, level int, opts Options) (*SSTableWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	return &SSTableWriter{
		file:         file,
		w:            bufio.NewWriterSize(file, 256*1024),
		path:         path,
		opts:         opts,
		id:           id,
		level:        level,
		blockBuilder: newBlockBuilder(opts.BlockSize),
		indexBuilder: NewIndexBuilder(),
		bloomFilter:  NewBloomFilter(expectedCount, opts.BloomFPRate),
	}, nil
}

// Add appends a record. Keys must be strictly increasing.
func (w *SSTableWriter) Add(rec Record) error {
	if w.finished {
		return errWriterFinished
	}
	if w.numRecords > 0 {
		if CompareKeys(rec.Key, w.lastKey) <= 0 {
			return fmt.Errorf("%w: key %q@%d not after %q@%d", ErrInvalidRecord,
				rec.Key.UserKey, rec.Key.Version, w.lastKey.UserKey, w.lastKey.Version)
		}
	}

	// The filter holds user keys; versions of one key are adjacent
	if w.numRecords == 0 || CompareUserKeys(rec.Key.UserKey, w.lastKey.UserKey) != 0 {
		w.bloomFilter.Add(rec.Key.UserKey)
	}

	w.numRecords++
	if w.numRecords == 1 || rec.Key.Version < w.minVersion {
		w.minVersion = rec.Key.Version
	}
	if rec.Key.Version > w.maxVersion {
		w.maxVersion = rec.Key.Version
	}
	if rec.Value.IsTombstone() {
		w.numTombstones++
	}

	if !w.blockBuilder.Add(rec) {
		if err := w.flushDataBlock(); err != nil {
			return err
		}
		w.blockBuilder.Add(rec)
	}

	w.lastKeyBuf = append(w.lastKeyBuf[:0], rec.Key.UserKey...)
	w.lastKey = Key{UserKey: w.lastKeyBuf, Version: rec.Key.Version}
	return nil
}

func (w *SSTableWriter) flushDataBlock() error {
	if w.blockBuilder.Count() == 0 {
		return nil
	}

	blockData, err := w.blockBuilder.Build(w.opts.CompressionType, w.opts.CompressionLevel)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(blockData); err != nil {
		return err
	}

	// Index copies the keys before the builder buffer is reused
	w.indexBuilder.Add(w.blockBuilder.firstKey, w.blockBuilder.lastKey, w.offset, uint32(len(blockData)))
	w.offset += uint64(len(blockData))
	w.numBlocks++
	w.blockBuilder.Reset()
	return nil
}

// Finish writes the filter, index, properties and footer, then syncs and
// closes the file. No records may be added afterwards.
func (w *SSTableWriter) Finish() error {
	if w.finished {
		return errWriterFinished
	}
	w.finished = true

	if err := w.flushDataBlock(); err != nil {
		return err
	}

	var footer tableFooter

	filterData, err := w.bloomFilter.Serialize()
	if err != nil {
		return err
	}
	footer.FilterOffset, footer.FilterSize = w.offset, uint32(len(filterData))
	if err := w.writeSection(filterData); err != nil {
		return err
	}

	indexData := w.indexBuilder.Build().Serialize()
	footer.IndexOffset, footer.IndexSize = w.offset, uint32(len(indexData))
	if err := w.writeSection(indexData); err != nil {
		return err
	}

	propsData, err := msgpack.Marshal(&tableProperties{
		Level:         w.level,
		MinVersion:    w.minVersion,
		MaxVersion:    w.maxVersion,
		NumRecords:    w.numRecords,
		NumTombstones: w.numTombstones,
		NumBlocks:     w.numBlocks,
		Compression:   w.opts.CompressionType.String(),
		CreatedAt:     time.Now().UnixNano(),
	})
	if err != nil {
		return err
	}
	propsData = binary.LittleEndian.AppendUint32(propsData, crc32.ChecksumIEEE(propsData))
	footer.PropsOffset, footer.PropsSize = w.offset, uint32(len(propsData))
	if err := w.writeSection(propsData); err != nil {
		return err
	}

	footer.NumRecords = w.numRecords
	footer.MaxVersion = w.maxVersion
	footer.FileSize = w.offset + SSTableFooterSize
	footer.Magic = SSTableMagic
	if err := w.writeSection(serializeFooter(footer)); err != nil {
		return err
	}

	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.size = int64(w.offset)
	return w.file.Close()
}

func (w *SSTableWriter) writeSection(data []byte) error {
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	w.offset += uint64(len(data))
	return nil
}

// Abort closes and removes the incomplete SSTable file.
// It is safe to call after a failed or successful Finish.
func (w *SSTableWriter) Abort() error {
	w.file.Close() // May already be closed by Finish
	w.finished = true
	return os.Remove(w.path)
}

// ID returns the SSTable ID.
func (w *SSTableWriter) ID() uint64 {
	return w.id
}

// Path returns the SSTable file path.
func (w *SSTableWriter) Path() string {
	return w.path
}

// Count returns the number of records added so far.
func (w *SSTableWriter) Count() uint64 {
	return w.numRecords
}

// Size returns the final file size after Finish.
func (w *SSTableWriter) Size() int64 {
	return w.size
}

func parseFooter(data []byte) (tableFooter, error) {
	if len(data) != SSTableFooterSize {
		return tableFooter{}, ErrInvalidSSTable
	}
	f := tableFooter{
		IndexOffset:  binary.LittleEndian.Uint64(data[0:]),
		IndexSize:    binary.LittleEndian.Uint32(data[8:]),
		FilterOffset: binary.LittleEndian.Uint64(data[12:]),
		FilterSize:   binary.LittleEndian.Uint32(data[20:]),
		PropsOffset:  binary.LittleEndian.Uint64(data[24:]),
		PropsSize:    binary.LittleEndian.Uint32(data[32:]),
		NumRecords:   binary.LittleEndian.Uint64(data[36:]),
		MaxVersion:   binary.LittleEndian.Uint64(data[44:]),
		FileSize:     binary.LittleEndian.Uint64(data[52:]),
		Magic:        binary.LittleEndian.Uint64(data[60:]),
	}
	if f.Magic != SSTableMagic {
		return tableFooter{}, ErrInvalidSSTable
	}
	if crc32.ChecksumIEEE(data[:68]) != binary.LittleEndian.Uint32(data[68:]) {
		return tableFooter{}, fmt.Errorf("footer: %w", ErrChecksumMismatch)
	}
	return f, nil
}

func serializeFooter(f tableFooter) []byte {
	buf := make([]byte, SSTableFooterSize)
	binary.LittleEndian.PutUint64(buf[0:], f.IndexOffset)
	binary.LittleEndian.PutUint32(buf[8:], f.IndexSize)
	binary.LittleEndian.PutUint64(buf[12:], f.FilterOffset)
	binary.LittleEndian.PutUint32(buf[20:], f.FilterSize)
	binary.LittleEndian.PutUint64(buf[24:], f.PropsOffset)
	binary.LittleEndian.PutUint32(buf[32:], f.PropsSize)
	binary.LittleEndian.PutUint64(buf[36:], f.NumRecords)
	binary.LittleEndian.PutUint64(buf[44:], f.MaxVersion)
	binary.LittleEndian.PutUint64(buf[52:], f.FileSize)
	binary.LittleEndian.PutUint64(buf[60:], f.Magic)
	binary.LittleEndian.PutUint32(buf[68:], crc32.ChecksumIEEE(buf[:68]))
	return buf
}
