package tinylsm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// ValueKind distinguishes a stored payload from a deletion marker.
type ValueKind uint8

const (
	ValueKindPut       ValueKind = iota + 1
	ValueKindTombstone           // Deletion marker, carries no payload
)

// maxDecodeLength is the maximum key or value length we'll decode.
// This prevents OOM from corrupted or malicious length prefixes.
const maxDecodeLength = 100 * 1024 * 1024 // 100MB

// recordHeaderSize is key_len(4) + version(8) + kind(1).
const recordHeaderSize = 4 + 8 + 1

// Key is an internal key: a user key plus the version that wrote it.
// Keys order by user key ascending, then version descending, so a forward
// scan sees every version of one user key newest first.
type Key struct {
	UserKey []byte
	Version uint64
}

// Value is either a byte payload or a tombstone.
type Value struct {
	Kind  ValueKind
	Bytes []byte
}

// Record pairs a Key with a Value. It is the unit that is logged,
// stored in tables and merged during compaction.
type Record struct {
	Key   Key
	Value Value
}

// Common errors
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrInvalidRecord    = errors.New("invalid record encoding")
	ErrCorruptedData    = errors.New("corrupted data")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrEmptyKey         = errors.New("key must not be empty")
)

// CompareUserKeys performs lexicographic comparison of two user keys.
func CompareUserKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompareKeys orders internal keys: user key ascending, version descending.
// Returns -1 if a sorts before b, 0 if equal, 1 otherwise.
func CompareKeys(a, b Key) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Version > b.Version:
		return -1
	case a.Version < b.Version:
		return 1
	}
	return 0
}

// seekKey returns the first internal key a lookup of userKey at horizon
// should consider.
func seekKey(userKey []byte, horizon uint64) Key {
	return Key{UserKey: userKey, Version: horizon}
}

// firstKeyOf sorts before every version of userKey.
func firstKeyOf(userKey []byte) Key {
	return Key{UserKey: userKey, Version: math.MaxUint64}
}

// lastKeyOf sorts after every version of userKey.
func lastKeyOf(userKey []byte) Key {
	return Key{UserKey: userKey, Version: 0}
}

// PutValue creates a Value holding data.
func PutValue(data []byte) Value {
	return Value{Kind: ValueKindPut, Bytes: data}
}

// TombstoneValue creates a tombstone Value for deletions.
func TombstoneValue() Value {
	return Value{Kind: ValueKindTombstone}
}

// IsTombstone returns true if this value represents a deletion.
func (v Value) IsTombstone() bool {
	return v.Kind == ValueKindTombstone
}

// EncodedSize returns the serialized size of the record.
func (r *Record) EncodedSize() int {
	n := recordHeaderSize + len(r.Key.UserKey)
	if !r.Value.IsTombstone() {
		n += 4 + len(r.Value.Bytes)
	}
	return n
}

// EncodeRecord serializes a record to bytes.
func EncodeRecord(r Record) []byte {
	return AppendRecord(make([]byte, 0, r.EncodedSize()), r)
}

// AppendRecord appends the encoded record to dst and returns the result.
// Format: key_len(4) + key + version(8) + kind(1) [+ val_len(4) + val]
func AppendRecord(dst []byte, r Record) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Key.UserKey)))
	dst = append(dst, r.Key.UserKey...)
	dst = binary.LittleEndian.AppendUint64(dst, r.Key.Version)
	if r.Value.IsTombstone() {
		return append(dst, byte(ValueKindTombstone))
	}
	dst = append(dst, byte(ValueKindPut))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Value.Bytes)))
	return append(dst, r.Value.Bytes...)
}

// DecodeRecord deserializes a record, copying key and value bytes.
// Returns the record and number of bytes consumed.
func DecodeRecord(data []byte) (Record, int, error) {
	return decodeRecord(data, true)
}

// DecodeRecordZeroCopy deserializes a record without copying.
// The returned Record points into data, which must outlive it.
func DecodeRecordZeroCopy(data []byte) (Record, int, error) {
	return decodeRecord(data, false)
}

func decodeRecord(data []byte, copyBytes bool) (Record, int, error) {
	if len(data) < recordHeaderSize {
		return Record{}, 0, ErrInvalidRecord
	}
	keyLen := binary.LittleEndian.Uint32(data)
	if keyLen > maxDecodeLength || len(data) < recordHeaderSize+int(keyLen) {
		return Record{}, 0, ErrInvalidRecord
	}
	pos := 4
	var r Record
	r.Key.UserKey = sliceOrCopy(data[pos:pos+int(keyLen)], copyBytes)
	pos += int(keyLen)
	r.Key.Version = binary.LittleEndian.Uint64(data[pos:])
	pos += 8
	r.Value.Kind = ValueKind(data[pos])
	pos++

	switch r.Value.Kind {
	case ValueKindTombstone:
		return r, pos, nil
	case ValueKindPut:
		if len(data) < pos+4 {
			return Record{}, 0, ErrInvalidRecord
		}
		valLen := binary.LittleEndian.Uint32(data[pos:])
		pos += 4
		if valLen > maxDecodeLength || len(data) < pos+int(valLen) {
			return Record{}, 0, ErrInvalidRecord
		}
		r.Value.Bytes = sliceOrCopy(data[pos:pos+int(valLen)], copyBytes)
		return r, pos + int(valLen), nil
	default:
		return Record{}, 0, ErrInvalidRecord
	}
}

func sliceOrCopy(b []byte, copyBytes bool) []byte {
	if !copyBytes {
		return b
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// clone returns a deep copy of the record.
func (r Record) clone() Record {
	out := Record{
		Key:   Key{UserKey: sliceOrCopy(r.Key.UserKey, true), Version: r.Key.Version},
		Value: Value{Kind: r.Value.Kind},
	}
	if r.Value.Kind == ValueKindPut {
		out.Value.Bytes = sliceOrCopy(r.Value.Bytes, true)
	}
	return out
}
