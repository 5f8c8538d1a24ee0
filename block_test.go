package tinylsm

import (
	"errors"
	"fmt"
	"testing"
)

func testRecords(n int) []Record {
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = Record{
			Key:   Key{UserKey: []byte(fmt.Sprintf("key%05d", i)), Version: uint64(i + 1)},
			Value: PutValue([]byte(fmt.Sprintf("value%05d", i))),
		}
	}
	return recs
}

func TestBlockRoundTrip(t *testing.T) {
	for _, ct := range []CompressionType{CompressionZstd, CompressionSnappy, CompressionNone, CompressionMinLZ} {
		t.Run(ct.String(), func(t *testing.T) {
			b := newBlockBuilder(64 * 1024)
			recs := testRecords(100)
			recs[50].Value = TombstoneValue()
			for _, r := range recs {
				if !b.Add(r) {
					t.Fatal("block filled unexpectedly")
				}
			}

			data, err := b.Build(ct, 1)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			block, err := DecodeBlock(data, true)
			if err != nil {
				t.Fatalf("DecodeBlock failed: %v", err)
			}
			if len(block.Records) != len(recs) {
				t.Fatalf("decoded %d records, want %d", len(block.Records), len(recs))
			}
			for i, r := range block.Records {
				if CompareKeys(r.Key, recs[i].Key) != 0 {
					t.Errorf("record %d key = %v, want %v", i, r.Key, recs[i].Key)
				}
				if r.Value.IsTombstone() != recs[i].Value.IsTombstone() {
					t.Errorf("record %d tombstone mismatch", i)
				}
				if string(r.Value.Bytes) != string(recs[i].Value.Bytes) {
					t.Errorf("record %d value = %q, want %q", i, r.Value.Bytes, recs[i].Value.Bytes)
				}
			}
		})
	}
}

func TestBlockBuilderFull(t *testing.T) {
	b := newBlockBuilder(256)
	n := 0
	for _, r := range testRecords(100) {
		if !b.Add(r) {
			break
		}
		n++
	}
	if n == 0 || n == 100 {
		t.Fatalf("added %d records to a 256-byte block", n)
	}
	if b.Size() > 256 {
		t.Errorf("size = %d exceeds budget", b.Size())
	}

	// An oversized record always fits an empty block
	b.Reset()
	big := Record{Key: Key{UserKey: []byte("k"), Version: 1}, Value: PutValue(make([]byte, 1024))}
	if !b.Add(big) {
		t.Error("empty block rejected an oversized record")
	}
	if b.Count() != 1 {
		t.Errorf("count = %d, want 1", b.Count())
	}
}

func TestBlockSeek(t *testing.T) {
	b := newBlockBuilder(64 * 1024)
	// a@3 a@2 b@5 c@1
	for _, r := range []Record{
		{Key{[]byte("a"), 3}, PutValue(nil)},
		{Key{[]byte("a"), 2}, PutValue(nil)},
		{Key{[]byte("b"), 5}, PutValue(nil)},
		{Key{[]byte("c"), 1}, PutValue(nil)},
	} {
		b.Add(r)
	}
	data, err := b.Build(CompressionNone, 0)
	if err != nil {
		t.Fatal(err)
	}
	block, err := DecodeBlock(data, true)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key    Key
		ge, le int
	}{
		{seekKey([]byte("a"), 10), 0, -1},
		{seekKey([]byte("a"), 2), 1, 1},
		{seekKey([]byte("a"), 1), 2, 1},
		{firstKeyOf([]byte("b")), 2, 1},
		{lastKeyOf([]byte("b")), 3, 2},
		{firstKeyOf([]byte("d")), 4, 3},
	}
	for _, tt := range tests {
		if got := block.seekGE(tt.key); got != tt.ge {
			t.Errorf("seekGE(%s@%d) = %d, want %d", tt.key.UserKey, tt.key.Version, got, tt.ge)
		}
		if got := block.seekLE(tt.key); got != tt.le {
			t.Errorf("seekLE(%s@%d) = %d, want %d", tt.key.UserKey, tt.key.Version, got, tt.le)
		}
	}
}

func TestBlockChecksumMismatch(t *testing.T) {
	b := newBlockBuilder(4096)
	for _, r := range testRecords(10) {
		b.Add(r)
	}
	data, err := b.Build(CompressionNone, 0)
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), data...)
	corrupt[10] ^= 0xFF

	if _, err := DecodeBlock(corrupt, true); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("err = %v, want ErrChecksumMismatch", err)
	}
	if _, err := DecodeBlock(data[:5], true); !errors.Is(err, ErrCorruptedData) {
		t.Errorf("truncated block err = %v, want ErrCorruptedData", err)
	}
}
