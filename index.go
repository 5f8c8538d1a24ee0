package tinylsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/bits-and-blooms/bloom/v3"
)

// IndexEntry is a sparse index entry pointing to a data block.
type IndexEntry struct {
	FirstKey    Key    // First internal key in the block
	BlockOffset uint64 // File offset to the block
	BlockSize   uint32 // Size of the block including its footer
}

// Index maps internal keys to data blocks.
type Index struct {
	Entries []IndexEntry
	MinKey  []byte // Smallest user key in the table
	MaxKey  []byte // Largest user key in the table
}

// IndexBuilder builds the sparse index during SSTable creation.
type IndexBuilder struct {
	entries []IndexEntry
	minKey  []byte
	maxKey  []byte
}

// NewIndexBuilder creates an index builder.
func NewIndexBuilder() *IndexBuilder {
	return &IndexBuilder{
		entries: make([]IndexEntry, 0, 256),
	}
}

// Add adds a block reference to the index. Keys are copied.
func (ib *IndexBuilder) Add(firstKey, lastKey Key, offset uint64, size uint32) {
	if ib.minKey == nil {
		ib.minKey = sliceOrCopy(firstKey.UserKey, true)
	}
	ib.maxKey = sliceOrCopy(lastKey.UserKey, true)

	ib.entries = append(ib.entries, IndexEntry{
		FirstKey:    Key{UserKey: sliceOrCopy(firstKey.UserKey, true), Version: firstKey.Version},
		BlockOffset: offset,
		BlockSize:   size,
	})
}

// Build creates the final index.
func (ib *IndexBuilder) Build() *Index {
	return &Index{
		Entries: ib.entries,
		MinKey:  ib.minKey,
		MaxKey:  ib.maxKey,
	}
}

// Search returns the block whose range may contain k: the last block whose
// first key is <= k. A key sorting before every block maps to block 0.
// Returns -1 for an empty index.
func (idx *Index) Search(k Key) int {
	if len(idx.Entries) == 0 {
		return -1
	}

	// Binary search for the last entry with FirstKey <= target
	lo, hi := 0, len(idx.Entries)-1
	result := 0

	for lo <= hi {
		mid := (lo + hi) / 2
		if CompareKeys(idx.Entries[mid].FirstKey, k) <= 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	return result
}

// InRange reports whether userKey lies within [MinKey, MaxKey].
func (idx *Index) InRange(userKey []byte) bool {
	if len(idx.Entries) == 0 {
		return false
	}
	return CompareUserKeys(userKey, idx.MinKey) >= 0 && CompareUserKeys(userKey, idx.MaxKey) <= 0
}

// Serialize encodes the index for storage, followed by a crc32.
func (idx *Index) Serialize() []byte {
	size := 4 + len(idx.MinKey) + 4 + len(idx.MaxKey) + 4 + 4
	for _, e := range idx.Entries {
		size += 4 + len(e.FirstKey.UserKey) + 8 + 8 + 4 // keyLen + key + version + offset + size
	}

	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(idx.MinKey)))
	buf = append(buf, idx.MinKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(idx.MaxKey)))
	buf = append(buf, idx.MaxKey...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(idx.Entries)))
	for _, e := range idx.Entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.FirstKey.UserKey)))
		buf = append(buf, e.FirstKey.UserKey...)
		buf = binary.LittleEndian.AppendUint64(buf, e.FirstKey.Version)
		buf = binary.LittleEndian.AppendUint64(buf, e.BlockOffset)
		buf = binary.LittleEndian.AppendUint32(buf, e.BlockSize)
	}

	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// DeserializeIndex recreates an index from bytes.
func DeserializeIndex(data []byte) (*Index, error) {
	body, err := checkTrailingCRC(data)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}

	idx := &Index{}
	pos := 0

	readBytes := func() ([]byte, bool) {
		if pos+4 > len(body) {
			return nil, false
		}
		n := int(binary.LittleEndian.Uint32(body[pos:]))
		pos += 4
		if n > len(body)-pos {
			return nil, false
		}
		b := sliceOrCopy(body[pos:pos+n], true)
		pos += n
		return b, true
	}

	var ok bool
	if idx.MinKey, ok = readBytes(); !ok {
		return nil, ErrCorruptedData
	}
	if idx.MaxKey, ok = readBytes(); !ok {
		return nil, ErrCorruptedData
	}

	if pos+4 > len(body) {
		return nil, ErrCorruptedData
	}
	numEntries := binary.LittleEndian.Uint32(body[pos:])
	pos += 4
	if uint64(numEntries)*24 > uint64(len(body)-pos) {
		return nil, ErrCorruptedData
	}

	idx.Entries = make([]IndexEntry, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		key, ok := readBytes()
		if !ok || pos+20 > len(body) {
			return nil, ErrCorruptedData
		}
		e := IndexEntry{FirstKey: Key{UserKey: key}}
		e.FirstKey.Version = binary.LittleEndian.Uint64(body[pos:])
		e.BlockOffset = binary.LittleEndian.Uint64(body[pos+8:])
		e.BlockSize = binary.LittleEndian.Uint32(body[pos+16:])
		pos += 20
		idx.Entries = append(idx.Entries, e)
	}
	if pos != len(body) {
		return nil, ErrCorruptedData
	}

	return idx, nil
}

// checkTrailingCRC verifies and strips a trailing crc32.
func checkTrailingCRC(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrCorruptedData
	}
	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[len(data)-4:]) {
		return nil, ErrChecksumMismatch
	}
	return body, nil
}

// BloomFilter wraps a bloom filter over user keys with serialization.
type BloomFilter struct {
	filter *bloom.BloomFilter
}

// NewBloomFilter creates a bloom filter for the expected number of keys.
func NewBloomFilter(numKeys uint, fpRate float64) *BloomFilter {
	if numKeys == 0 {
		numKeys = 1
	}
	return &BloomFilter{
		filter: bloom.NewWithEstimates(numKeys, fpRate),
	}
}

// Add adds a key to the bloom filter.
func (bf *BloomFilter) Add(key []byte) {
	bf.filter.Add(key)
}

// MayContain returns true if the key might be in the set.
// False positives are possible, but false negatives are not.
func (bf *BloomFilter) MayContain(key []byte) bool {
	return bf.filter.Test(key)
}

// Serialize encodes the bloom filter for storage, followed by a crc32.
func (bf *BloomFilter) Serialize() ([]byte, error) {
	data, err := bf.filter.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(data, crc32.ChecksumIEEE(data)), nil
}

// DeserializeBloomFilter recreates a bloom filter from bytes.
func DeserializeBloomFilter(data []byte) (*BloomFilter, error) {
	body, err := checkTrailingCRC(data)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrCorruptedData, err)
	}
	return &BloomFilter{filter: filter}, nil
}
