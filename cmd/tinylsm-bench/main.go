package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/freeeve/tinylsm"
	"go.uber.org/zap"
)

func main() {
	numRecords := flag.Int("records", 10_000_000, "Number of records to write")
	numReads := flag.Int("reads", 100_000, "Number of reads to perform per test")
	dataDir := flag.String("dir", "/tmp/tinylsm-bench", "Data directory")
	skipWrite := flag.Bool("skip-write", false, "Skip write phase (use existing data)")
	skipCompact := flag.Bool("skip-compact", false, "Skip compaction phase")
	memtableSize := flag.Int64("memtable", 4*1024*1024, "Memtable size in bytes")
	batchSize := flag.Int("batch", 1, "Records per atomic batch (1 = single puts)")
	overwrite := flag.Int("overwrite", 0, "Percent of writes that overwrite an earlier key")
	compression := flag.String("compression", "zstd", "zstd, snappy or none")
	logLevel := flag.String("log-level", "info", "Engine log level")
	flag.Parse()

	logger, err := tinylsm.NewLogger(*logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	compressionType, err := tinylsm.ParseCompressionType(*compression)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== tinylsm Benchmark ===")
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("GOMEMLIMIT: %d bytes\n", debug.SetMemoryLimit(-1))
	fmt.Printf("Records: %d (batch %d, %d%% overwrites)\n", *numRecords, *batchSize, *overwrite)
	fmt.Printf("Memtable: %d MB\n", *memtableSize/1024/1024)
	fmt.Printf("Compression: %s\n", compressionType)
	fmt.Printf("Data dir: %s\n", *dataDir)
	fmt.Println()

	opts := tinylsm.DefaultOptions(*dataDir)
	opts.MemtableSize = *memtableSize
	opts.CompressionType = compressionType
	opts.WALSyncMode = tinylsm.WALSyncNone
	opts.Logger = logger

	b := &bench{
		dir:        *dataDir,
		opts:       opts,
		numRecords: *numRecords,
		logger:     logger,
	}

	if !*skipWrite {
		b.runWrite(*batchSize, *overwrite)
	}

	fmt.Println("\n=== READ BEFORE COMPACTION ===")
	b.runReads(*numReads)

	if !*skipCompact {
		b.runCompact()
	}

	fmt.Println("\n=== READ AFTER COMPACTION ===")
	b.runReads(*numReads)
	b.runScan()

	fmt.Println("\n=== BENCHMARK COMPLETE ===")
}

type bench struct {
	dir        string
	opts       tinylsm.Options
	numRecords int
	logger     *zap.Logger
}

// open attaches a fresh metrics sink so each phase reports its own
// counters.
func (b *bench) open(opts tinylsm.Options) (*tinylsm.Store, *tinylsm.Metrics) {
	metrics := tinylsm.NewMetrics()
	opts.Events = metrics
	store, err := tinylsm.Open(b.dir, opts)
	if err != nil {
		b.logger.Fatal("open store", zap.String("dir", b.dir), zap.Error(err))
	}
	return store, metrics
}

func benchKey(i int) []byte {
	return []byte(fmt.Sprintf("key%012d", i))
}

func (b *bench) runWrite(batchSize, overwritePct int) {
	fmt.Println("=== WRITE PHASE ===")

	os.RemoveAll(b.dir)
	store, metrics := b.open(b.opts)

	reportEvery := max(b.numRecords/20, 1)
	writeStart := time.Now()
	lastReport := writeStart
	batch := tinylsm.NewBatch()

	for i := 0; i < b.numRecords; i++ {
		idx := i
		if overwritePct > 0 && i > 0 && rand.Intn(100) < overwritePct {
			idx = rand.Intn(i)
		}
		value := []byte(fmt.Sprintf("val%012d", i))

		if batchSize <= 1 {
			if _, err := store.Put(benchKey(idx), value); err != nil {
				b.logger.Fatal("put", zap.Int("record", i), zap.Error(err))
			}
		} else {
			batch.Put(benchKey(idx), value)
			if batch.Len() >= batchSize {
				if _, err := store.Write(batch); err != nil {
					b.logger.Fatal("write batch", zap.Int("record", i), zap.Error(err))
				}
				batch.Reset()
			}
		}

		if (i+1)%reportEvery == 0 {
			elapsed := time.Since(lastReport)
			totalElapsed := time.Since(writeStart)
			rate := float64(reportEvery) / elapsed.Seconds()
			avgRate := float64(i+1) / totalElapsed.Seconds()
			pct := float64(i+1) / float64(b.numRecords) * 100

			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			fmt.Printf("[%s] Written: %d / %d (%.1f%%) | Batch: %.0f/s | Avg: %.0f/s | Heap: %dMB | Sys: %dMB\n",
				totalElapsed.Truncate(time.Second), i+1, b.numRecords, pct,
				rate, avgRate, m.HeapAlloc/1024/1024, m.Sys/1024/1024)
			lastReport = time.Now()
		}
	}
	if batch.Len() > 0 {
		if _, err := store.Write(batch); err != nil {
			b.logger.Fatal("write batch", zap.Error(err))
		}
	}

	fmt.Println("Flushing...")
	flushStart := time.Now()
	if err := store.Flush(); err != nil {
		b.logger.Error("flush", zap.Error(err))
	}
	fmt.Printf("Flush completed in %v\n", time.Since(flushStart))

	writeDuration := time.Since(writeStart)
	fmt.Printf("\nWrite complete: %d records in %v (%.0f ops/sec)\n",
		b.numRecords, writeDuration, float64(b.numRecords)/writeDuration.Seconds())

	ms := metrics.Snapshot()
	fmt.Printf("  Writes: %d calls, %d records, %d MB | Flushes: %d (%d MB) | Compactions: %d\n",
		ms.Writes, ms.WriteRecords, ms.WriteBytes/1024/1024,
		ms.Flushes, ms.FlushBytes/1024/1024, ms.Compactions)
	printLevels(store.Stats())

	store.Close()
}

func (b *bench) runCompact() {
	fmt.Println("\n=== COMPACTION PHASE ===")

	store, metrics := b.open(b.opts)
	compactStart := time.Now()
	if err := store.Compact(); err != nil {
		b.logger.Error("compact", zap.Error(err))
	}
	fmt.Printf("Compaction completed in %v\n", time.Since(compactStart))

	ms := metrics.Snapshot()
	fmt.Printf("  Compactions: %d | Output: %d MB | Dropped versions: %d | Dropped tombstones: %d\n",
		ms.Compactions, ms.CompactionBytes/1024/1024, ms.DroppedVersions, ms.DroppedTombstones)
	printLevels(store.Stats())

	store.Close()

	runtime.GC()
	debug.FreeOSMemory()
}

func (b *bench) runReads(numReads int) {
	cacheSizes := []struct {
		name string
		size int64
	}{
		{"0MB", 0},
		{"64MB", 64 * 1024 * 1024},
	}

	for _, cs := range cacheSizes {
		opts := b.opts
		opts.BlockCacheSize = cs.size
		store, metrics := b.open(opts)

		readStart := time.Now()
		for i := 0; i < numReads; i++ {
			if _, _, err := store.Get(benchKey(rand.Intn(b.numRecords))); err != nil {
				b.logger.Error("get", zap.Error(err))
				break
			}
		}
		readDuration := time.Since(readStart)

		ms := metrics.Snapshot()
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		fmt.Printf("Cache %s: %d reads in %v (%.0f/s) | Hit rate: %.1f%% | Tables/read: %.2f | Heap: %dMB | Sys: %dMB\n",
			cs.name, ms.Reads, readDuration, float64(ms.Reads)/readDuration.Seconds(),
			ms.HitRate(), float64(ms.TablesProbed)/float64(max(ms.Reads, 1)),
			m.HeapAlloc/1024/1024, m.Sys/1024/1024)

		store.Close()
	}
}

// runScan measures a full ordered scan through a pinned snapshot.
func (b *bench) runScan() {
	fmt.Println("\n=== SCAN ===")

	store, _ := b.open(b.opts)
	defer store.Close()

	snap, err := store.Snapshot()
	if err != nil {
		b.logger.Error("snapshot", zap.Error(err))
		return
	}
	defer snap.Release()

	start := time.Now()
	var keys, size int64
	err = snap.Scan(nil, nil, func(key, value []byte) bool {
		keys++
		size += int64(len(key) + len(value))
		return true
	})
	if err != nil {
		b.logger.Error("scan", zap.Error(err))
		return
	}
	elapsed := time.Since(start)
	fmt.Printf("Scanned %d keys (%d MB) at version %d in %v (%.0f keys/s)\n",
		keys, size/1024/1024, snap.Version(), elapsed, float64(keys)/elapsed.Seconds())
}

func printLevels(stats tinylsm.StoreStats) {
	for _, level := range stats.Levels {
		if level.NumTables > 0 {
			fmt.Printf("  L%d: %d tables, %d records, %d tombstones, %d bytes\n",
				level.Level, level.NumTables, level.NumRecords, level.NumTombstones, level.Size)
		}
	}
}
