package tinylsm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// testOptions returns small, fast options with background compaction
// off so tests control when merges happen.
func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.MemtableSize = 64 * 1024
	opts.BlockCacheSize = 1 << 20
	opts.BlockSize = 1024
	opts.WALSyncMode = WALSyncNone
	opts.DisableAutoCompaction = true
	return opts
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, testOptions(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustPut(t *testing.T, s *Store, key, value string) uint64 {
	t.Helper()
	v, err := s.Put([]byte(key), []byte(value))
	if err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
	return v
}

func expectValue(t *testing.T, s *Store, key, want string) {
	t.Helper()
	val, found, err := s.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if !found {
		t.Fatalf("Get(%q): not found, want %q", key, want)
	}
	if string(val) != want {
		t.Fatalf("Get(%q) = %q, want %q", key, val, want)
	}
}

func expectAbsent(t *testing.T, s *Store, key string) {
	t.Helper()
	val, found, err := s.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if found {
		t.Fatalf("Get(%q) = %q, want absent", key, val)
	}
}

func TestStorePutGetDelete(t *testing.T) {
	s := openTestStore(t)

	v1 := mustPut(t, s, "key1", "value1")
	v2 := mustPut(t, s, "key2", "value2")
	if v1 != 1 || v2 != 2 {
		t.Errorf("versions = %d, %d; want 1, 2", v1, v2)
	}
	expectValue(t, s, "key1", "value1")
	expectValue(t, s, "key2", "value2")
	expectAbsent(t, s, "missing")

	mustPut(t, s, "key1", "updated")
	expectValue(t, s, "key1", "updated")

	v, err := s.Delete([]byte("key1"))
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if v != s.CurrentVersion() {
		t.Errorf("Delete version = %d, CurrentVersion = %d", v, s.CurrentVersion())
	}
	expectAbsent(t, s, "key1")

	// Deleting a missing key still consumes a version
	if _, err := s.Delete([]byte("never")); err != nil {
		t.Fatalf("Delete of missing key failed: %v", err)
	}
}

func TestStoreEmptyKeyAndValue(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Put(nil, []byte("v")); err != ErrEmptyKey {
		t.Errorf("Put(nil) error = %v, want ErrEmptyKey", err)
	}
	if _, err := s.Delete([]byte{}); err != ErrEmptyKey {
		t.Errorf("Delete(empty) error = %v, want ErrEmptyKey", err)
	}
	if _, _, err := s.Get(nil); err != ErrEmptyKey {
		t.Errorf("Get(nil) error = %v, want ErrEmptyKey", err)
	}
	if s.CurrentVersion() != 0 {
		t.Errorf("rejected writes advanced the clock to %d", s.CurrentVersion())
	}

	// An empty value is a value, not a delete
	mustPut(t, s, "empty", "")
	val, found, err := s.Get([]byte("empty"))
	if err != nil || !found || len(val) != 0 {
		t.Errorf("Get(empty) = %q, %v, %v; want empty value", val, found, err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	val, found, err = s.Get([]byte("empty"))
	if err != nil || !found || len(val) != 0 {
		t.Errorf("Get(empty) after flush = %q, %v, %v; want empty value", val, found, err)
	}
}

func TestStoreGetAtVersions(t *testing.T) {
	s := openTestStore(t)

	mustPut(t, s, "a", "x")
	mustPut(t, s, "a", "y")

	tests := []struct {
		version uint64
		want    string
		found   bool
	}{
		{1, "x", true},
		{2, "y", true},
		{0, "", false},
		{100, "y", true},
	}
	for _, tt := range tests {
		val, found, err := s.GetAt([]byte("a"), tt.version)
		if err != nil {
			t.Fatalf("GetAt(a, %d) failed: %v", tt.version, err)
		}
		if found != tt.found || string(val) != tt.want {
			t.Errorf("GetAt(a, %d) = %q, %v; want %q, %v", tt.version, val, found, tt.want, tt.found)
		}
	}
}

func TestStoreTombstoneOverFlushedValue(t *testing.T) {
	s := openTestStore(t)

	mustPut(t, s, "a", "x")
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := s.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, found, _ := s.GetAt([]byte("a"), 2); found {
		t.Error("GetAt(a, 2) found a deleted key")
	}
	val, found, err := s.GetAt([]byte("a"), 1)
	if err != nil || !found || string(val) != "x" {
		t.Errorf("GetAt(a, 1) = %q, %v, %v; want x", val, found, err)
	}
}

func TestStoreNewestVersionWinsAcrossTables(t *testing.T) {
	s := openTestStore(t)

	mustPut(t, s, "k", "v1")
	s.Flush()
	mustPut(t, s, "k", "v2")
	s.Flush()
	mustPut(t, s, "k", "v3")

	expectValue(t, s, "k", "v3")
	s.Flush()
	expectValue(t, s, "k", "v3")

	val, _, _ := s.GetAt([]byte("k"), 2)
	if string(val) != "v2" {
		t.Errorf("GetAt(k, 2) = %q, want v2", val)
	}
}

func TestStoreScan(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 20; i++ {
		mustPut(t, s, fmt.Sprintf("key%02d", i), fmt.Sprintf("val%02d", i))
		if i == 9 {
			s.Flush()
		}
	}
	s.Delete([]byte("key05"))
	mustPut(t, s, "key06", "new06")

	var keys []string
	var values []string
	err := s.Scan([]byte("key03"), []byte("key08"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		values = append(values, string(v))
		return true
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	wantKeys := []string{"key03", "key04", "key06", "key07"}
	if fmt.Sprint(keys) != fmt.Sprint(wantKeys) {
		t.Errorf("keys = %v, want %v", keys, wantKeys)
	}
	if values[2] != "new06" {
		t.Errorf("key06 = %q, want new06", values[2])
	}

	// Early stop
	n := 0
	s.Scan(nil, nil, func(k, v []byte) bool {
		n++
		return n < 3
	})
	if n != 3 {
		t.Errorf("early stop visited %d keys, want 3", n)
	}
}

func TestStoreScanReverse(t *testing.T) {
	s := openTestStore(t)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		mustPut(t, s, k, k)
	}
	s.Flush()
	mustPut(t, s, "c", "C")

	var keys []string
	err := s.ScanWith(ScanOptions{Start: []byte("b"), End: []byte("e"), Reverse: true}, func(k, v []byte) bool {
		keys = append(keys, string(k)+"="+string(v))
		return true
	})
	if err != nil {
		t.Fatalf("ScanWith failed: %v", err)
	}
	want := []string{"d=d", "c=C", "b=b"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("reverse scan = %v, want %v", keys, want)
	}
}

func TestStoreScanPrefix(t *testing.T) {
	s := openTestStore(t)
	for _, k := range []string{"user:1", "user:2", "user:3", "order:1", "users"} {
		mustPut(t, s, k, "v")
	}

	var keys []string
	s.ScanPrefix([]byte("user:"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	want := []string{"user:1", "user:2", "user:3"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("prefix scan = %v, want %v", keys, want)
	}

	if end := prefixEnd([]byte{0x01, 0xff}); !bytes.Equal(end, []byte{0x02}) {
		t.Errorf("prefixEnd = %x, want 02", end)
	}
	if end := prefixEnd([]byte{0xff, 0xff}); end != nil {
		t.Errorf("prefixEnd of all 0xff = %x, want nil", end)
	}
}

func TestStoreScanAt(t *testing.T) {
	s := openTestStore(t)
	mustPut(t, s, "a", "1")
	v := mustPut(t, s, "b", "1")
	mustPut(t, s, "a", "2")
	s.Delete([]byte("b"))
	mustPut(t, s, "c", "1")

	var got []string
	s.ScanAt(nil, nil, v, func(k, val []byte) bool {
		got = append(got, string(k)+"="+string(val))
		return true
	})
	want := []string{"a=1", "b=1"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ScanAt(%d) = %v, want %v", v, got, want)
	}
}

func TestStoreIterator(t *testing.T) {
	s := openTestStore(t)
	mustPut(t, s, "a", "1")
	mustPut(t, s, "b", "2")

	it, err := s.NewIterator(ScanOptions{})
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	horizon := it.Horizon()

	// Writes after the iterator opened stay invisible to it
	mustPut(t, s, "c", "3")
	mustPut(t, s, "a", "changed")

	var got []string
	for it.Next() {
		got = append(got, fmt.Sprintf("%s=%s@%d", it.Key(), it.Value(), it.Version()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	it.Close()

	want := []string{"a=1@1", "b=2@2"}
	if fmt.Sprint(got) != fmt.Sprint(want) || horizon != 2 {
		t.Errorf("iterator = %v at %d, want %v at 2", got, horizon, want)
	}
	if it.Next() {
		t.Error("Next after Close returned true")
	}
	if n := s.Stats().ActiveSnapshots; n != 0 {
		t.Errorf("iterator leaked %d horizons", n)
	}
}

func TestStoreStats(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	metrics := NewMetrics()
	opts.Events = metrics
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		mustPut(t, s, fmt.Sprintf("k%d", i), "v")
	}
	stats := s.Stats()
	if stats.MemtableCount != 10 || stats.MemtableSize == 0 {
		t.Errorf("memtable stats = %d records, %d bytes", stats.MemtableCount, stats.MemtableSize)
	}
	if stats.CurrentVersion != 10 {
		t.Errorf("CurrentVersion = %d, want 10", stats.CurrentVersion)
	}

	s.Delete([]byte("k0"))
	s.Flush()
	stats = s.Stats()
	if stats.MemtableCount != 0 || stats.Flushes != 1 {
		t.Errorf("after flush: %d memtable records, %d flushes", stats.MemtableCount, stats.Flushes)
	}
	if len(stats.Levels) == 0 || stats.Levels[0].NumTables != 1 ||
		stats.Levels[0].NumRecords != 11 || stats.Levels[0].NumTombstones != 1 {
		t.Errorf("level stats = %+v", stats.Levels)
	}

	s.Get([]byte("k1"))
	s.Get([]byte("zzz"))
	m := metrics.Snapshot()
	if m.Writes != 11 || m.WriteRecords != 11 || m.Flushes != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Reads != 2 || m.ReadHits != 1 || m.HitRate() != 50 {
		t.Errorf("read metrics = %d reads, %d hits", m.Reads, m.ReadHits)
	}
}

func TestStoreLocked(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := Open(dir, testOptions(dir)); !errors.Is(err, ErrStoreLocked) {
		t.Errorf("second Open error = %v, want ErrStoreLocked", err)
	}

	s.Close()
	s2, err := Open(dir, testOptions(dir))
	if err != nil {
		t.Fatalf("Open after Close failed: %v", err)
	}
	s2.Close()
}

func TestStoreClosed(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions(dir))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustPut(t, s, "k", "v")
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if _, err := s.Put([]byte("k"), []byte("v")); err != ErrStoreClosed {
		t.Errorf("Put error = %v, want ErrStoreClosed", err)
	}
	if _, _, err := s.Get([]byte("k")); err != ErrStoreClosed {
		t.Errorf("Get error = %v, want ErrStoreClosed", err)
	}
	if err := s.Scan(nil, nil, func(k, v []byte) bool { return true }); err != ErrStoreClosed {
		t.Errorf("Scan error = %v, want ErrStoreClosed", err)
	}
	if _, err := s.Snapshot(); err != ErrStoreClosed {
		t.Errorf("Snapshot error = %v, want ErrStoreClosed", err)
	}
	if err := s.Flush(); err != ErrStoreClosed {
		t.Errorf("Flush error = %v, want ErrStoreClosed", err)
	}
}

func TestStoreWriteStallAndAutoFlush(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemtableSize = 4 * 1024
	opts.MaxImmutableMemtables = 1
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	value := bytes.Repeat([]byte("x"), 200)
	for i := 0; i < 500; i++ {
		if _, err := s.Put([]byte(fmt.Sprintf("key%04d", i)), value); err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
	}
	if s.Stats().Flushes == 0 {
		t.Error("filling memtables did not trigger a flush")
	}
	for i := 0; i < 500; i += 37 {
		val, found, err := s.Get([]byte(fmt.Sprintf("key%04d", i)))
		if err != nil || !found || !bytes.Equal(val, value) {
			t.Fatalf("Get key%04d = %v, %v", i, found, err)
		}
	}
}

func TestStoreConcurrentReadWrite(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := []byte(fmt.Sprintf("w%d-%03d", w, i))
				if _, err := s.Put(key, key); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
				if i%50 == 0 {
					s.Flush()
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap, err := s.Snapshot()
				if err != nil {
					t.Errorf("Snapshot failed: %v", err)
					return
				}
				var last []byte
				snap.Scan(nil, nil, func(k, v []byte) bool {
					if last != nil && bytes.Compare(last, k) >= 0 {
						t.Errorf("scan out of order: %q then %q", last, k)
					}
					last = append(last[:0], k...)
					return true
				})
				snap.Release()
			}
		}()
	}
	wg.Wait()

	n := 0
	s.Scan(nil, nil, func(k, v []byte) bool {
		n++
		return true
	})
	if n != 800 {
		t.Errorf("scan found %d keys, want 800", n)
	}
	if s.CurrentVersion() != 800 {
		t.Errorf("CurrentVersion = %d, want 800", s.CurrentVersion())
	}
}

func tableFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func TestStoreFlushEmptyMemtable(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 2; i++ {
		if err := s.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}
	flushed, err := s.FlushIfNeeded()
	if err != nil {
		t.Fatalf("FlushIfNeeded failed: %v", err)
	}
	if flushed {
		t.Error("FlushIfNeeded flushed an empty memtable")
	}

	// A frozen empty memtable is retired without writing a table
	s.writeMu.Lock()
	err = s.rotate()
	s.writeMu.Unlock()
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if _, err := s.flushImmutables(); err != nil {
		t.Fatalf("flushImmutables failed: %v", err)
	}

	stats := s.Stats()
	if stats.Flushes != 0 || len(stats.Levels) != 0 || stats.ImmutableMemtables != 0 {
		t.Errorf("flushes=%d levels=%d immutable=%d, want 0/0/0",
			stats.Flushes, len(stats.Levels), stats.ImmutableMemtables)
	}
	if files := tableFiles(t, s.dir); len(files) != 0 {
		t.Errorf("empty flush wrote tables: %v", files)
	}

	mustPut(t, s, "k", "v")
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	stats = s.Stats()
	if stats.Flushes != 1 || len(tableFiles(t, s.dir)) != 1 {
		t.Errorf("flushes=%d tables=%d after a second flush, want 1/1",
			stats.Flushes, len(tableFiles(t, s.dir)))
	}
	expectValue(t, s, "k", "v")
}

func TestStoreZeroOptionsAreDurable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if s.opts.WALSyncMode != WALSyncPerWrite {
		t.Errorf("zero WALSyncMode = %v, want per_write", s.opts.WALSyncMode)
	}
	if s.opts.SkipChecksums {
		t.Error("zero options skip checksums")
	}

	before := s.wal.Syncs()
	mustPut(t, s, "k", "v")
	if got := s.wal.Syncs(); got != before+1 {
		t.Errorf("syncs after Put = %d, want %d", got, before+1)
	}
}

func TestStorePerBatchSyncsEveryWriteCall(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.WALSyncMode = WALSyncPerBatch
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	before := s.wal.Syncs()
	mustPut(t, s, "a", "1")
	if got := s.wal.Syncs(); got != before+1 {
		t.Errorf("syncs after Put = %d, want %d", got, before+1)
	}
	if _, err := s.Delete([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if got := s.wal.Syncs(); got != before+2 {
		t.Errorf("syncs after Delete = %d, want %d", got, before+2)
	}

	b := NewBatch()
	b.Put([]byte("x"), []byte("1"))
	b.Put([]byte("y"), []byte("2"))
	b.Delete([]byte("z"))
	if _, err := s.Write(b); err != nil {
		t.Fatal(err)
	}
	if got := s.wal.Syncs(); got != before+3 {
		t.Errorf("syncs after Write = %d, want %d", got, before+3)
	}
}

func TestStoreZeroOptionsVerifyBlocks(t *testing.T) {
	dir := t.TempDir()
	opts := Options{CompressionType: CompressionNone}
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		mustPut(t, s, fmt.Sprintf("key%05d", i), fmt.Sprintf("value%05d", i))
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	files := tableFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("tables = %v, want one", files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	data[20] ^= 0xFF // Inside the first data block
	if err := os.WriteFile(files[0], data, 0644); err != nil {
		t.Fatal(err)
	}

	s, err = Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, _, err := s.Get([]byte("key00000")); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Get err = %v, want ErrChecksumMismatch", err)
	}
}
