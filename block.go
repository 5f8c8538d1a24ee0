package tinylsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minlz"
)

// Pooled zstd decoder for efficient reuse
var zstdDecoderPool = sync.Pool{
	New: func() interface{} {
		decoder, _ := zstd.NewReader(nil)
		return decoder
	},
}

// maxBlockSize is the maximum allowed uncompressed block size (64MB).
// This prevents OOM from malformed blocks claiming huge uncompressed sizes.
const maxBlockSize = 64 * 1024 * 1024

// Channel-based encoder pools (won't be cleared by GC like sync.Pool).
// Encoder initialization is expensive, so idle encoders are kept.
var zstdEncoderPools [5]chan *zstd.Encoder

func init() {
	poolSize := 4 // Keep up to 4 encoders per level
	for i := range zstdEncoderPools {
		zstdEncoderPools[i] = make(chan *zstd.Encoder, poolSize)
	}
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 4 {
		return 4
	}
	return level
}

func getEncoder(level int) (*zstd.Encoder, error) {
	level = clampLevel(level)
	select {
	case enc := <-zstdEncoderPools[level]:
		return enc, nil
	default:
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
}

func putEncoder(level int, enc *zstd.Encoder) {
	select {
	case zstdEncoderPools[clampLevel(level)] <- enc:
	default:
		// Pool full, let it be GC'd
		enc.Close()
	}
}

// block types
const (
	blockTypeData uint8 = 1
)

// blockHeaderSize is type(1) + record_count(4).
const blockHeaderSize = 5

// blockFooterSize is the size of the block footer in bytes.
const blockFooterSize = 13 // checksum(4) + uncompressed_size(4) + compressed_size(4) + compression_type(1)

// Compression type markers in block footer
const (
	compressionTypeZstd   uint8 = 0
	compressionTypeSnappy uint8 = 1
	compressionTypeNone   uint8 = 2
	compressionTypeMinLZ  uint8 = 3
)

// Block is a decoded data block. Records alias one decompressed buffer
// owned by the block; the block is never modified after decoding, so it
// can be shared by the cache and any number of readers.
type Block struct {
	Type    uint8
	Records []Record
	size    int64
}

// Size returns the decompressed size, used for cache accounting.
func (b *Block) Size() int64 {
	return b.size
}

// seekGE returns the index of the first record with key >= k, or
// len(Records) if none.
func (b *Block) seekGE(k Key) int {
	lo, hi := 0, len(b.Records)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if CompareKeys(b.Records[mid].Key, k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// seekLE returns the index of the last record with key <= k, or -1.
func (b *Block) seekLE(k Key) int {
	lo, hi := 0, len(b.Records)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if CompareKeys(b.Records[mid].Key, k) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// blockBuilder accumulates encoded records for one data block.
type blockBuilder struct {
	buf       []byte // header placeholder + encoded records
	count     int
	blockSize int

	firstKey Key
	lastKey  Key

	// Reusable buffer for compressed output
	compressBuf []byte
}

// newBlockBuilder creates a new block builder.
func newBlockBuilder(blockSize int) *blockBuilder {
	b := &blockBuilder{
		blockSize:   blockSize,
		buf:         make([]byte, blockHeaderSize, blockSize+1024),
		compressBuf: make([]byte, 0, snappy.MaxEncodedLen(blockSize+1024)),
	}
	return b
}

// Add appends a record to the block.
// Returns false if the block is full; a record always fits an empty block.
func (b *blockBuilder) Add(rec Record) bool {
	size := rec.EncodedSize()
	if b.count > 0 && len(b.buf)-blockHeaderSize+size > b.blockSize {
		return false // Block is full
	}
	start := len(b.buf)
	b.buf = AppendRecord(b.buf, rec)

	// Keep first/last keys pointing into our own buffer, not the caller's
	keyBytes := b.buf[start+4 : start+4+len(rec.Key.UserKey)]
	k := Key{UserKey: keyBytes, Version: rec.Key.Version}
	if b.count == 0 {
		b.firstKey = k
	}
	b.lastKey = k
	b.count++
	return true
}

// Build serializes and compresses the block. The returned slice is valid
// until the next Reset.
func (b *blockBuilder) Build(compressionType CompressionType, compressionLevel int) ([]byte, error) {
	buf := b.buf
	buf[0] = blockTypeData
	binary.LittleEndian.PutUint32(buf[1:], uint32(b.count))
	uncompressedSize := len(buf)

	var compressed []byte
	var compType uint8

	switch compressionType {
	case CompressionSnappy:
		maxLen := snappy.MaxEncodedLen(len(buf))
		if cap(b.compressBuf) < maxLen {
			b.compressBuf = make([]byte, 0, maxLen)
		}
		compressed = snappy.Encode(b.compressBuf[:maxLen], buf)
		compType = compressionTypeSnappy
	case CompressionNone:
		compressed = append(b.compressBuf[:0], buf...)
		compType = compressionTypeNone
	case CompressionMinLZ:
		level := minlz.LevelFastest
		if compressionLevel >= 3 {
			level = minlz.LevelSmallest
		} else if compressionLevel >= 2 {
			level = minlz.LevelBalanced
		}
		var err error
		compressed, err = minlz.Encode(b.compressBuf[:0], buf, level)
		if err != nil {
			return nil, fmt.Errorf("minlz encode: %w", err)
		}
		if cap(compressed) > cap(b.compressBuf) {
			b.compressBuf = compressed[:0]
		}
		compType = compressionTypeMinLZ
	default: // CompressionZstd
		encoder, err := getEncoder(compressionLevel)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		compressed = encoder.EncodeAll(buf, b.compressBuf[:0])
		putEncoder(compressionLevel, encoder)
		compType = compressionTypeZstd
	}

	// Footer: checksum(4) + uncompressed_size(4) + compressed_size(4) + compression_type(1)
	checksum := crc32.ChecksumIEEE(compressed)
	compressedSize := len(compressed)
	compressed = binary.LittleEndian.AppendUint32(compressed, checksum)
	compressed = binary.LittleEndian.AppendUint32(compressed, uint32(uncompressedSize))
	compressed = binary.LittleEndian.AppendUint32(compressed, uint32(compressedSize))
	compressed = append(compressed, compType)

	if cap(compressed) > cap(b.compressBuf) {
		b.compressBuf = compressed[:0]
	}
	return compressed, nil
}

// Reset clears the builder for reuse.
func (b *blockBuilder) Reset() {
	b.buf = b.buf[:blockHeaderSize]
	b.count = 0
	b.firstKey = Key{}
	b.lastKey = Key{}
}

// Count returns the number of records in the block.
func (b *blockBuilder) Count() int {
	return b.count
}

// Size returns the current uncompressed payload size.
func (b *blockBuilder) Size() int {
	return len(b.buf) - blockHeaderSize
}

// blockFooter holds parsed footer data.
type blockFooter struct {
	checksum         uint32
	uncompressedSize uint32
	compressedSize   uint32
	compType         uint8
	compressed       []byte
}

// DecodeBlock verifies, decompresses and parses a block.
func DecodeBlock(data []byte, verifyChecksum bool) (*Block, error) {
	footer, err := parseBlockFooter(data, verifyChecksum)
	if err != nil {
		return nil, err
	}

	decompressed, err := decompressBlockData(footer)
	if err != nil {
		return nil, err
	}

	return parseBlockContents(decompressed)
}

// parseBlockFooter validates and parses the block footer.
func parseBlockFooter(data []byte, verifyChecksum bool) (*blockFooter, error) {
	if len(data) < blockFooterSize {
		return nil, ErrCorruptedData
	}

	footer := data[len(data)-blockFooterSize:]
	f := &blockFooter{
		checksum:         binary.LittleEndian.Uint32(footer[0:]),
		uncompressedSize: binary.LittleEndian.Uint32(footer[4:]),
		compressedSize:   binary.LittleEndian.Uint32(footer[8:]),
		compType:         footer[12],
		compressed:       data[:len(data)-blockFooterSize],
	}

	if uint32(len(f.compressed)) != f.compressedSize {
		return nil, ErrCorruptedData
	}
	if f.compType > compressionTypeMinLZ {
		return nil, ErrCorruptedData
	}
	if verifyChecksum && crc32.ChecksumIEEE(f.compressed) != f.checksum {
		return nil, ErrChecksumMismatch
	}
	if f.uncompressedSize > maxBlockSize {
		return nil, ErrCorruptedData
	}
	return f, nil
}

// decompressBlockData decompresses block data based on compression type.
func decompressBlockData(f *blockFooter) ([]byte, error) {
	switch f.compType {
	case compressionTypeSnappy:
		decodedLen, err := snappy.DecodedLen(f.compressed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}
		if decodedLen != int(f.uncompressedSize) {
			return nil, ErrCorruptedData
		}
		out, err := snappy.Decode(make([]byte, decodedLen), f.compressed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}
		return out, nil
	case compressionTypeNone:
		if len(f.compressed) != int(f.uncompressedSize) {
			return nil, ErrCorruptedData
		}
		out := make([]byte, len(f.compressed))
		copy(out, f.compressed)
		return out, nil
	case compressionTypeMinLZ:
		decodedLen, err := minlz.DecodedLen(f.compressed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}
		if decodedLen != int(f.uncompressedSize) {
			return nil, ErrCorruptedData
		}
		out, err := minlz.Decode(make([]byte, decodedLen), f.compressed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}
		return out, nil
	default:
		decoder := zstdDecoderPool.Get().(*zstd.Decoder)
		out, err := decoder.DecodeAll(f.compressed, make([]byte, 0, f.uncompressedSize))
		zstdDecoderPool.Put(decoder)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}
		if len(out) != int(f.uncompressedSize) {
			return nil, ErrCorruptedData
		}
		return out, nil
	}
}

// parseBlockContents parses records from decompressed block data.
func parseBlockContents(decompressed []byte) (*Block, error) {
	if len(decompressed) < blockHeaderSize {
		return nil, ErrCorruptedData
	}

	blockType := decompressed[0]
	if blockType != blockTypeData {
		return nil, ErrCorruptedData
	}
	count := binary.LittleEndian.Uint32(decompressed[1:])
	// Every record takes at least recordHeaderSize bytes
	if uint64(count)*recordHeaderSize > uint64(len(decompressed)-blockHeaderSize) {
		return nil, ErrCorruptedData
	}

	records := make([]Record, count)
	pos := blockHeaderSize
	for i := range records {
		rec, n, err := DecodeRecordZeroCopy(decompressed[pos:])
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorruptedData, i, err)
		}
		records[i] = rec
		pos += n
	}
	if pos != len(decompressed) {
		return nil, ErrCorruptedData
	}

	return &Block{
		Type:    blockType,
		Records: records,
		size:    int64(len(decompressed)),
	}, nil
}
