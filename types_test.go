package tinylsm

import (
	"bytes"
	"errors"
	"testing"
)

func TestCompareKeys(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
		want int
	}{
		{"user key orders first", Key{[]byte("a"), 1}, Key{[]byte("b"), 9}, -1},
		{"newer version first", Key{[]byte("a"), 5}, Key{[]byte("a"), 2}, -1},
		{"older version after", Key{[]byte("a"), 2}, Key{[]byte("a"), 5}, 1},
		{"equal", Key{[]byte("a"), 3}, Key{[]byte("a"), 3}, 0},
		{"prefix sorts first", Key{[]byte("a"), 1}, Key{[]byte("ab"), 1}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareKeys(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareKeys = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSeekKeyBounds(t *testing.T) {
	k := []byte("key")
	v := Key{UserKey: k, Version: 42}
	if CompareKeys(firstKeyOf(k), v) >= 0 {
		t.Error("firstKeyOf should sort before every version")
	}
	if CompareKeys(lastKeyOf(k), v) <= 0 {
		t.Error("lastKeyOf should sort after every version")
	}
	if CompareKeys(seekKey(k, 42), v) != 0 {
		t.Error("seekKey at the same version should equal the key")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"put", Record{Key{[]byte("key"), 7}, PutValue([]byte("value"))}},
		{"empty put", Record{Key{[]byte("key"), 1}, PutValue(nil)}},
		{"tombstone", Record{Key{[]byte("gone"), 9}, TombstoneValue()}},
		{"binary key", Record{Key{[]byte{0, 255, 0}, 1 << 40}, PutValue([]byte{0})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := EncodeRecord(tt.rec)
			if len(data) != tt.rec.EncodedSize() {
				t.Fatalf("encoded %d bytes, EncodedSize = %d", len(data), tt.rec.EncodedSize())
			}
			got, n, err := DecodeRecord(data)
			if err != nil {
				t.Fatalf("DecodeRecord failed: %v", err)
			}
			if n != len(data) {
				t.Errorf("consumed %d bytes, want %d", n, len(data))
			}
			if CompareKeys(got.Key, tt.rec.Key) != 0 {
				t.Errorf("key = %v, want %v", got.Key, tt.rec.Key)
			}
			if got.Value.Kind != tt.rec.Value.Kind {
				t.Errorf("kind = %d, want %d", got.Value.Kind, tt.rec.Value.Kind)
			}
			if !bytes.Equal(got.Value.Bytes, tt.rec.Value.Bytes) {
				t.Errorf("value = %q, want %q", got.Value.Bytes, tt.rec.Value.Bytes)
			}
		})
	}
}

func TestTombstoneDistinctFromEmptyValue(t *testing.T) {
	empty := EncodeRecord(Record{Key{[]byte("k"), 1}, PutValue(nil)})
	tomb := EncodeRecord(Record{Key{[]byte("k"), 1}, TombstoneValue()})
	if bytes.Equal(empty, tomb) {
		t.Fatal("empty put and tombstone encode identically")
	}
	if len(tomb) != recordHeaderSize+1 {
		t.Errorf("tombstone size = %d, want %d", len(tomb), recordHeaderSize+1)
	}

	rec, _, err := DecodeRecord(empty)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Value.IsTombstone() {
		t.Error("empty put decoded as tombstone")
	}
}

func TestDecodeRecordZeroCopyAliases(t *testing.T) {
	data := EncodeRecord(Record{Key{[]byte("abc"), 1}, PutValue([]byte("xyz"))})
	rec, _, err := DecodeRecordZeroCopy(data)
	if err != nil {
		t.Fatal(err)
	}
	data[4] = 'z'
	if rec.Key.UserKey[0] != 'z' {
		t.Error("zero-copy decode should alias the input")
	}

	data = EncodeRecord(Record{Key{[]byte("abc"), 1}, PutValue([]byte("xyz"))})
	rec, _, err = DecodeRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	data[4] = 'z'
	if rec.Key.UserKey[0] != 'a' {
		t.Error("DecodeRecord should copy the input")
	}
}

func TestDecodeRecordInvalid(t *testing.T) {
	valid := EncodeRecord(Record{Key{[]byte("key"), 1}, PutValue([]byte("value"))})

	badKind := append([]byte(nil), valid...)
	badKind[4+3+8] = 9

	hugeKey := append([]byte(nil), valid...)
	hugeKey[3] = 0xFF

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:5]},
		{"truncated value", valid[:len(valid)-1]},
		{"unknown kind", badKind},
		{"key length overflow", hugeKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeRecord(tt.data)
			if !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("err = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestRecordClone(t *testing.T) {
	key := []byte("k")
	val := []byte("v")
	rec := Record{Key{key, 3}, PutValue(val)}
	c := rec.clone()
	key[0] = 'x'
	val[0] = 'x'
	if string(c.Key.UserKey) != "k" || string(c.Value.Bytes) != "v" {
		t.Errorf("clone shares memory: %q=%q", c.Key.UserKey, c.Value.Bytes)
	}
	if c.Key.Version != 3 {
		t.Errorf("version = %d, want 3", c.Key.Version)
	}
}
