package tinylsm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// WAL record types for fragmentation
const (
	walRecordFull   uint8 = 1 // Complete record in one block
	walRecordFirst  uint8 = 2 // First fragment
	walRecordMiddle uint8 = 3 // Middle fragment
	walRecordLast   uint8 = 4 // Last fragment
)

const (
	walBlockSize  = 32 * 1024 // 32KB blocks
	walHeaderSize = 7         // CRC(4) + Length(2) + Type(1)
)

// errWALTail marks the end of the valid prefix of a log.
var errWALTail = errors.New("wal: truncated or corrupt tail")

// WAL is the write-ahead log of one memtable generation.
// Each frame holds a batch of records: count(4) + encoded records.
type WAL struct {
	file     *os.File
	path     string
	syncMode WALSyncMode

	// Offset within the current on-disk block
	blockOffset int

	// Fragments waiting to be written
	pending []byte

	// Reusable encode buffer
	encodeBuf []byte

	// Completed fsyncs
	syncs uint64

	mu sync.Mutex
}

// OpenWAL opens or creates a WAL file for appending.
func OpenWAL(path string, syncMode WALSyncMode) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:        file,
		path:        path,
		syncMode:    syncMode,
		blockOffset: int(stat.Size() % walBlockSize),
		pending:     make([]byte, 0, walBlockSize),
		encodeBuf:   make([]byte, 0, 512),
	}, nil
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// Append durably writes one record (subject to the sync mode).
func (w *WAL) Append(rec Record) error {
	return w.AppendBatch([]Record{rec})
}

// AppendBatch writes records as a single frame. Replay yields either all
// of them or none. The frame is synced in WALSyncPerWrite mode; otherwise
// it reaches the OS and the caller decides when to Sync.
func (w *WAL) AppendBatch(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	buf := binary.LittleEndian.AppendUint32(w.encodeBuf[:0], uint32(len(recs)))
	for _, r := range recs {
		buf = AppendRecord(buf, r)
	}
	w.encodeBuf = buf

	w.appendFrame(buf)

	if w.syncMode == WALSyncPerWrite {
		return w.sync()
	}
	return w.flush()
}

// appendFrame splits data into fragments that never cross a block boundary.
func (w *WAL) appendFrame(data []byte) {
	remaining := data
	isFirst := true

	for len(remaining) > 0 {
		leftover := walBlockSize - w.blockOffset
		if leftover <= walHeaderSize {
			// Too small for a header plus payload: pad to the next block
			w.pending = append(w.pending, make([]byte, leftover)...)
			w.blockOffset = 0
			leftover = walBlockSize
		}
		available := leftover - walHeaderSize

		var recordType uint8
		var fragment []byte

		if len(remaining) <= available {
			fragment = remaining
			remaining = nil
			if isFirst {
				recordType = walRecordFull
			} else {
				recordType = walRecordLast
			}
		} else {
			fragment = remaining[:available]
			remaining = remaining[available:]
			if isFirst {
				recordType = walRecordFirst
			} else {
				recordType = walRecordMiddle
			}
		}
		isFirst = false

		// Header: CRC(4) + Length(2) + Type(1). CRC covers type and payload.
		var header [walHeaderSize]byte
		binary.LittleEndian.PutUint32(header[0:], fragmentChecksum(recordType, fragment))
		binary.LittleEndian.PutUint16(header[4:], uint16(len(fragment)))
		header[6] = recordType

		w.pending = append(w.pending, header[:]...)
		w.pending = append(w.pending, fragment...)
		w.blockOffset = (w.blockOffset + walHeaderSize + len(fragment)) % walBlockSize
	}
}

func fragmentChecksum(recordType uint8, data []byte) uint32 {
	return crc32.Update(crc32.ChecksumIEEE([]byte{recordType}), crc32.IEEETable, data)
}

// Sync forces WAL data to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync()
}

func (w *WAL) sync() error {
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.syncs++
	return nil
}

// Syncs returns the number of completed fsyncs.
func (w *WAL) Syncs() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncs
}

func (w *WAL) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	_, err := w.file.Write(w.pending)
	w.pending = w.pending[:0]
	return err
}

// Close syncs and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Remove closes and deletes the log file.
func (w *WAL) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.file.Close()
	return os.Remove(w.path)
}

// walReader replays a log frame by frame.
type walReader struct {
	r        *bufio.Reader
	block    []byte
	n        int // valid bytes in block
	pos      int
	frame    []byte
	fragment bool
	eof      bool
}

func newWALReader(r io.Reader) *walReader {
	return &walReader{
		r:     bufio.NewReaderSize(r, walBlockSize),
		block: make([]byte, walBlockSize),
	}
}

// next returns the payload of the next complete frame.
// It returns io.EOF at a clean end and errWALTail at a torn or corrupt one.
func (wr *walReader) next() ([]byte, error) {
	wr.frame = wr.frame[:0]
	wr.fragment = false

	for {
		if wr.pos+walHeaderSize > wr.n {
			// Trailing bytes too small for a header are padding
			if err := wr.readBlock(); err != nil {
				if wr.fragment {
					return nil, errWALTail
				}
				return nil, err
			}
			continue
		}

		header := wr.block[wr.pos : wr.pos+walHeaderSize]
		checksum := binary.LittleEndian.Uint32(header)
		length := int(binary.LittleEndian.Uint16(header[4:]))
		recordType := header[6]

		if length == 0 && recordType == 0 {
			// Zero padding: rest of block is empty
			wr.pos = wr.n
			continue
		}
		if wr.pos+walHeaderSize+length > wr.n {
			return nil, errWALTail // Incomplete record
		}

		data := wr.block[wr.pos+walHeaderSize : wr.pos+walHeaderSize+length]
		if fragmentChecksum(recordType, data) != checksum {
			return nil, errWALTail
		}
		wr.pos += walHeaderSize + length

		switch recordType {
		case walRecordFull:
			if wr.fragment {
				return nil, errWALTail
			}
			return append(wr.frame, data...), nil
		case walRecordFirst:
			if wr.fragment {
				return nil, errWALTail
			}
			wr.fragment = true
			wr.frame = append(wr.frame, data...)
		case walRecordMiddle:
			if !wr.fragment {
				return nil, errWALTail
			}
			wr.frame = append(wr.frame, data...)
		case walRecordLast:
			if !wr.fragment {
				return nil, errWALTail
			}
			wr.fragment = false
			return append(wr.frame, data...), nil
		default:
			return nil, errWALTail
		}
	}
}

func (wr *walReader) readBlock() error {
	if wr.eof {
		return io.EOF
	}
	n, err := io.ReadFull(wr.r, wr.block)
	switch {
	case err == io.EOF:
		wr.eof = true
		return io.EOF
	case err == io.ErrUnexpectedEOF:
		wr.eof = true
	case err != nil:
		return err
	}
	wr.n = n
	wr.pos = 0
	return nil
}

// decodeWALFrame decodes the records in one frame.
func decodeWALFrame(frame []byte) ([]Record, error) {
	if len(frame) < 4 {
		return nil, ErrCorruptedData
	}
	count := binary.LittleEndian.Uint32(frame)
	if int(count) > len(frame) {
		return nil, ErrCorruptedData
	}
	recs := make([]Record, 0, count)
	pos := 4
	for i := uint32(0); i < count; i++ {
		rec, n, err := DecodeRecord(frame[pos:])
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		pos += n
	}
	if pos != len(frame) {
		return nil, ErrCorruptedData
	}
	return recs, nil
}

// ReplayWAL calls fn for every record of the log at path in write order.
// Replay stops silently at the first torn or undecodable frame; earlier
// records are kept. It reports whether the log ended cleanly.
func ReplayWAL(path string, fn func(Record) error) (clean bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	wr := newWALReader(f)
	for {
		frame, err := wr.next()
		if err == io.EOF {
			return true, nil
		}
		if errors.Is(err, errWALTail) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read wal %s: %w", path, err)
		}
		recs, err := decodeWALFrame(frame)
		if err != nil {
			return false, nil
		}
		for _, r := range recs {
			if err := fn(r); err != nil {
				return false, err
			}
		}
	}
}

// ReadWAL returns all valid records of the log at path.
func ReadWAL(path string) ([]Record, error) {
	var recs []Record
	_, err := ReplayWAL(path, func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	return recs, err
}
