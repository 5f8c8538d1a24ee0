package tinylsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestWALAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")

	wal, err := OpenWAL(path, WALSyncPerWrite)
	if err != nil {
		t.Fatalf("OpenWAL failed: %v", err)
	}
	records := []Record{
		{Key{[]byte("key1"), 1}, PutValue([]byte("value1"))},
		{Key{[]byte("key2"), 2}, PutValue(nil)},
		{Key{[]byte("key1"), 3}, TombstoneValue()},
	}
	for _, r := range records {
		if err := wal.Append(r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := wal.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadWAL(path)
	if err != nil {
		t.Fatalf("ReadWAL failed: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("replayed %d records, want %d", len(got), len(records))
	}
	for i, r := range got {
		if CompareKeys(r.Key, records[i].Key) != 0 {
			t.Errorf("record %d key = %v, want %v", i, r.Key, records[i].Key)
		}
		if r.Value.Kind != records[i].Value.Kind || !bytes.Equal(r.Value.Bytes, records[i].Value.Bytes) {
			t.Errorf("record %d value = %+v, want %+v", i, r.Value, records[i].Value)
		}
	}
}

func TestWALLargeFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	wal, err := OpenWAL(path, WALSyncNone)
	if err != nil {
		t.Fatal(err)
	}

	// Spans several 32KB blocks
	large := bytes.Repeat([]byte("x"), 100*1024)
	wal.Append(Record{Key{[]byte("small"), 1}, PutValue([]byte("v"))})
	wal.Append(Record{Key{[]byte("large"), 2}, PutValue(large)})
	wal.Append(Record{Key{[]byte("after"), 3}, PutValue([]byte("v"))})
	wal.Close()

	got, err := ReadWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("replayed %d records, want 3", len(got))
	}
	if !bytes.Equal(got[1].Value.Bytes, large) {
		t.Error("large value corrupted")
	}
	if string(got[2].Key.UserKey) != "after" {
		t.Errorf("record after large frame = %s", got[2].Key.UserKey)
	}
}

func TestWALReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	for i := 0; i < 3; i++ {
		wal, err := OpenWAL(path, WALSyncPerWrite)
		if err != nil {
			t.Fatal(err)
		}
		wal.Append(Record{Key{[]byte(fmt.Sprintf("k%d", i)), uint64(i + 1)}, PutValue(bytes.Repeat([]byte("v"), 20000))})
		wal.Close()
	}

	got, err := ReadWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("replayed %d records across reopens, want 3", len(got))
	}
}

func TestWALTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	wal, err := OpenWAL(path, WALSyncPerWrite)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		wal.Append(Record{Key{[]byte(fmt.Sprintf("key%d", i)), uint64(i + 1)}, PutValue([]byte("value"))})
	}
	wal.Close()

	info, _ := os.Stat(path)
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatal(err)
	}

	var got []Record
	clean, err := ReplayWAL(path, func(r Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayWAL failed: %v", err)
	}
	if clean {
		t.Error("torn log reported clean")
	}
	if len(got) != 9 {
		t.Errorf("replayed %d records, want the 9 intact ones", len(got))
	}
}

func TestWALCorruptFrameStopsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	wal, _ := OpenWAL(path, WALSyncPerWrite)
	for i := 0; i < 5; i++ {
		wal.Append(Record{Key{[]byte(fmt.Sprintf("key%d", i)), uint64(i + 1)}, PutValue([]byte("value"))})
	}
	wal.Close()

	data, _ := os.ReadFile(path)
	frame := len(data) / 5
	data[2*frame+walHeaderSize+2] ^= 0xFF // Inside the third frame
	os.WriteFile(path, data, 0644)

	got, err := ReadWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("replayed %d records, want 2", len(got))
	}
}

func TestWALBatchAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	wal, _ := OpenWAL(path, WALSyncPerWrite)
	wal.Append(Record{Key{[]byte("single"), 1}, PutValue([]byte("v"))})
	info, _ := os.Stat(path)
	firstFrame := info.Size()

	batch := make([]Record, 50)
	for i := range batch {
		batch[i] = Record{Key{[]byte(fmt.Sprintf("b%02d", i)), uint64(i + 2)}, PutValue([]byte("v"))}
	}
	wal.AppendBatch(batch)
	wal.Close()

	info, _ = os.Stat(path)
	// Cut the batch frame in half
	os.Truncate(path, firstFrame+(info.Size()-firstFrame)/2)

	got, err := ReadWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("replayed %d records, want only the record before the torn batch", len(got))
	}
}

func TestWALReplayMissing(t *testing.T) {
	if _, err := ReadWAL(filepath.Join(t.TempDir(), "missing.log")); !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}
