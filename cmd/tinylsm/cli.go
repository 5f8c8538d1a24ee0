package main

import (
	"bufio"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/freeeve/tinylsm"
)

// CLI holds injectable dependencies for testability.
type CLI struct {
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string
}

// NewCLI creates a CLI with default OS dependencies.
func NewCLI() *CLI {
	return &CLI{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Getenv: os.Getenv,
	}
}

// Run executes the CLI and returns an exit code (0 = success, 1 = error).
func (c *CLI) Run(args []string) int {
	if len(args) < 2 {
		c.printUsage()
		return 1
	}

	cmd := args[1]
	cmdArgs := args[2:]

	switch cmd {
	case "version", "-v", "--version":
		fmt.Fprintln(c.Stdout, "tinylsm "+versionString())
		return 0
	case "get":
		return c.cmdGet(cmdArgs)
	case "put":
		return c.cmdPut(cmdArgs)
	case "delete":
		return c.cmdDelete(cmdArgs)
	case "scan":
		return c.cmdScan(cmdArgs)
	case "count":
		return c.cmdCount(cmdArgs)
	case "stats":
		return c.cmdStats(cmdArgs)
	case "flush":
		return c.cmdFlush(cmdArgs)
	case "compact":
		return c.cmdCompact(cmdArgs)
	case "verify":
		return c.cmdVerify(cmdArgs)
	case "export":
		return c.cmdExport(cmdArgs)
	case "import":
		return c.cmdImport(cmdArgs)
	case "shell":
		return c.cmdShell(cmdArgs)
	case "help", "-h", "--help":
		c.printUsage()
		return 0
	default:
		fmt.Fprintf(c.Stderr, "Unknown command: %s\n\n", cmd)
		c.printUsage()
		return 1
	}
}

func (c *CLI) printUsage() {
	fmt.Fprintln(c.Stdout, `tinylsm - CLI for tinylsm stores

Usage:
  tinylsm <command> [options]

Commands:
  get      Get a value by key, optionally as of a version
  put      Put a key-value pair
  delete   Delete a key
  scan     Scan a key range or prefix
  count    Count keys by prefix, optionally aggregating a numeric field
  stats    Show store statistics
  flush    Flush memtables to level 0
  compact  Flush and compact until no level is full
  verify   Read every table and check block checksums
  export   Export live keys to a CSV file
  import   Import keys from a CSV file
  shell    Interactive shell

Common options:
  -dir        Store directory
  -config     YAML config file
  -log-level  debug, info, warn or error

Environment:
  TINYLSM_STORE   Default store directory (used if -dir not specified)
  TINYLSM_CONFIG  Default config file (used if -config not specified)

Examples:
  export TINYLSM_STORE=/path/to/store
  tinylsm put -key user:1 -value "hello world"
  tinylsm get -key user:1
  tinylsm get -key user:1 -at 42
  tinylsm scan -prefix user: -limit 10
  tinylsm scan -start a -end m -reverse

Use "tinylsm <command> -h" for more information about a command.`)
}

// storeFlags are the flags every store command accepts.
type storeFlags struct {
	dir      string
	config   string
	logLevel string
	verify   bool // Force block checksum verification
}

func addStoreFlags(fs *flag.FlagSet) *storeFlags {
	sf := &storeFlags{}
	fs.StringVar(&sf.dir, "dir", "", "Store directory")
	fs.StringVar(&sf.config, "config", "", "YAML config file")
	fs.StringVar(&sf.logLevel, "log-level", "", "Log level (default warn, or the config's level)")
	return sf
}

// openStore resolves the config, directory and logger, then opens the
// store. The returned func closes the store and flushes the logger.
func (c *CLI) openStore(sf *storeFlags) (*tinylsm.Store, func(), bool) {
	cfgPath := sf.config
	if cfgPath == "" {
		cfgPath = c.Getenv("TINYLSM_CONFIG")
	}

	cfg := tinylsm.DefaultConfig()
	level := "warn"
	if cfgPath != "" {
		var err error
		cfg, err = tinylsm.LoadConfig(cfgPath)
		if err != nil {
			fmt.Fprintf(c.Stderr, "Error loading config: %v\n", err)
			return nil, nil, false
		}
		level = cfg.Logger.Level
	}
	if sf.logLevel != "" {
		level = sf.logLevel
	}

	switch {
	case sf.dir != "":
		cfg.Dir = sf.dir
	case c.Getenv("TINYLSM_STORE") != "":
		cfg.Dir = c.Getenv("TINYLSM_STORE")
	case cfgPath == "":
		fmt.Fprintln(c.Stderr, "Error: -dir is required (or set TINYLSM_STORE)")
		return nil, nil, false
	}

	logger, err := tinylsm.NewLogger(level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return nil, nil, false
	}
	opts, err := cfg.Options(logger)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return nil, nil, false
	}
	if sf.verify {
		opts.SkipChecksums = false
	}

	store, err := tinylsm.Open(cfg.Dir, opts)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErrOpenStore, err)
		return nil, nil, false
	}
	return store, func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(c.Stderr, "Error closing store: %v\n", err)
		}
		logger.Sync()
	}, true
}

func (c *CLI) cmdGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	key := fs.String("key", "", "Key to get (string)")
	keyHex := fs.String(flagKeyHex, "", "Key to get (hex encoded)")
	at := fs.Uint64("at", 0, "Read as of this version (0 = current)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	keyBytes, err := parseCLIKey(*key, *keyHex)
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		fs.Usage()
		return 1
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	var val []byte
	var found bool
	if *at > 0 {
		val, found, err = store.GetAt(keyBytes, *at)
	} else {
		val, found, err = store.Get(keyBytes)
	}
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return 1
	}
	if !found {
		fmt.Fprintln(c.Stdout, "Key not found")
		return 0
	}

	fmt.Fprintf(c.Stdout, "%s = %s\n", formatKey(keyBytes), formatValue(val))
	return 0
}

func (c *CLI) cmdPut(args []string) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	pf := &putFlags{args: args}
	fs.StringVar(&pf.key, "key", "", "Key (string)")
	fs.StringVar(&pf.keyHex, flagKeyHex, "", "Key (hex encoded)")
	fs.StringVar(&pf.value, "value", "", "Value (string)")
	fs.StringVar(&pf.valueHex, "value-hex", "", "Value (hex encoded)")
	fs.Int64Var(&pf.valueInt, "value-int", 0, "Value (int64, big-endian)")
	fs.BoolVar(&pf.flush, "flush", false, "Flush after put")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	keyBytes, err := parseCLIKey(pf.key, pf.keyHex)
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		fs.Usage()
		return 1
	}
	val, err := pf.parseValue()
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		fs.Usage()
		return 1
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	version, err := store.Put(keyBytes, val)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return 1
	}
	if pf.flush {
		if err := store.Flush(); err != nil {
			fmt.Fprintf(c.Stderr, "Error flushing: %v\n", err)
			return 1
		}
	}

	fmt.Fprintf(c.Stdout, "OK (version %d)\n", version)
	return 0
}

func (c *CLI) cmdDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	key := fs.String("key", "", "Key to delete (string)")
	keyHex := fs.String(flagKeyHex, "", "Key to delete (hex encoded)")
	prefix := fs.Bool("prefix", false, "Delete every key starting with the key")
	flush := fs.Bool("flush", false, "Flush after delete")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	keyBytes, err := parseCLIKey(*key, *keyHex)
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		fs.Usage()
		return 1
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	if *prefix {
		n, err := store.DeletePrefix(keyBytes)
		if err != nil {
			fmt.Fprintf(c.Stderr, msgErr, err)
			return 1
		}
		fmt.Fprintf(c.Stdout, "Deleted %d keys\n", n)
	} else {
		version, err := store.Delete(keyBytes)
		if err != nil {
			fmt.Fprintf(c.Stderr, msgErr, err)
			return 1
		}
		fmt.Fprintf(c.Stdout, "OK (version %d)\n", version)
	}

	if *flush {
		if err := store.Flush(); err != nil {
			fmt.Fprintf(c.Stderr, "Error flushing: %v\n", err)
			return 1
		}
	}
	return 0
}

func (c *CLI) cmdScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	prefix := fs.String("prefix", "", "Key prefix (string)")
	prefixHex := fs.String("prefix-hex", "", "Key prefix (hex encoded)")
	start := fs.String("start", "", "Inclusive start key")
	end := fs.String("end", "", "Exclusive end key")
	at := fs.Uint64("at", 0, "Read as of this version (0 = current)")
	reverse := fs.Bool("reverse", false, "Scan in descending key order")
	limit := fs.Int("limit", 100, "Maximum number of results")
	keysOnly := fs.Bool("keys-only", false, "Only print keys, not values")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	prefixBytes, err := parsePrefix(*prefix, *prefixHex)
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		return 1
	}
	if prefixBytes != nil && (*start != "" || *end != "") {
		fmt.Fprintln(c.Stderr, "Error: -prefix cannot be combined with -start or -end")
		return 1
	}

	opts := tinylsm.ScanOptions{Horizon: *at, Reverse: *reverse}
	if prefixBytes != nil {
		opts.Start, opts.End = prefixBounds(prefixBytes)
	}
	if *start != "" {
		opts.Start = []byte(*start)
	}
	if *end != "" {
		opts.End = []byte(*end)
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	count := 0
	err = store.ScanWith(opts, func(key, val []byte) bool {
		if count >= *limit {
			return false
		}
		if *keysOnly {
			fmt.Fprintln(c.Stdout, formatKey(key))
		} else {
			fmt.Fprintf(c.Stdout, "%s = %s\n", formatKey(key), formatValue(val))
		}
		count++
		return true
	})
	if err != nil {
		fmt.Fprintf(c.Stderr, "Error scanning: %v\n", err)
		return 1
	}

	fmt.Fprintf(c.Stderr, "\n(%d results)\n", count)
	return 0
}

// prefixBounds returns the scan range covering prefix.
func prefixBounds(prefix []byte) ([]byte, []byte) {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return prefix, end[:i+1]
		}
	}
	return prefix, nil
}

func (c *CLI) cmdCount(args []string) int {
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	prefix := fs.String("prefix", "", "Key prefix (string)")
	prefixHex := fs.String("prefix-hex", "", "Key prefix (hex encoded)")
	field := fs.String("field", "", "Aggregate a numeric msgpack field (dotted path)")
	ints := fs.Bool("int", false, "Aggregate values written as int64")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	prefixBytes, err := parsePrefix(*prefix, *prefixHex)
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		return 1
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	if *field == "" && !*ints {
		n, err := store.Count(prefixBytes)
		if err != nil {
			fmt.Fprintf(c.Stderr, msgErr, err)
			return 1
		}
		fmt.Fprintf(c.Stdout, "%d\n", n)
		return 0
	}

	r, err := store.Aggregate(prefixBytes, *field)
	if err != nil {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return 1
	}
	fmt.Fprintf(c.Stdout, "count:   %d\n", r.Count)
	fmt.Fprintf(c.Stdout, "numeric: %d\n", r.Numeric)
	fmt.Fprintf(c.Stdout, "sum:     %g\n", r.Sum)
	fmt.Fprintf(c.Stdout, "min:     %g\n", r.Min)
	fmt.Fprintf(c.Stdout, "max:     %g\n", r.Max)
	fmt.Fprintf(c.Stdout, "avg:     %g\n", r.Avg())
	return 0
}

func (c *CLI) cmdStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	printStats(c.Stdout, store.Stats())
	return 0
}

func printStats(w io.Writer, stats tinylsm.StoreStats) {
	fmt.Fprintf(w, "Version:    %d\n", stats.CurrentVersion)
	fmt.Fprintf(w, "Snapshots:  %d\n", stats.ActiveSnapshots)
	fmt.Fprintf(w, "Flushes:    %d\n", stats.Flushes)
	fmt.Fprintf(w, "Compactions: %d\n", stats.Compactions)

	fmt.Fprintf(w, "\nMemtable:\n")
	fmt.Fprintf(w, "  Size:      %s\n", formatBytes(stats.MemtableSize))
	fmt.Fprintf(w, "  Records:   %d\n", stats.MemtableCount)
	fmt.Fprintf(w, "  Immutable: %d\n", stats.ImmutableMemtables)

	cs := stats.CacheStats
	fmt.Fprintf(w, "\nCache:\n")
	fmt.Fprintf(w, "  Size:     %s / %s\n", formatBytes(cs.Size), formatBytes(cs.Capacity))
	fmt.Fprintf(w, "  Entries:  %d\n", cs.Entries)
	fmt.Fprintf(w, "  Hits:     %d\n", cs.Hits)
	fmt.Fprintf(w, "  Misses:   %d\n", cs.Misses)
	fmt.Fprintf(w, "  Evicted:  %d\n", cs.Evictions)
	if cs.Hits+cs.Misses > 0 {
		fmt.Fprintf(w, "  Hit Rate: %.1f%%\n", cs.HitRate())
	}

	fmt.Fprintf(w, "\nLevels:\n")
	var totalSize int64
	var totalRecords uint64
	var totalTables int
	for _, level := range stats.Levels {
		if level.NumTables == 0 {
			continue
		}
		fmt.Fprintf(w, "  L%d: %3d tables, %10s, %12d records, %10d tombstones\n",
			level.Level, level.NumTables, formatBytes(level.Size), level.NumRecords, level.NumTombstones)
		totalSize += level.Size
		totalRecords += level.NumRecords
		totalTables += level.NumTables
	}
	fmt.Fprintf(w, "\nTotal: %d tables, %s, %d records\n", totalTables, formatBytes(totalSize), totalRecords)
}

func (c *CLI) cmdFlush(args []string) int {
	fs := flag.NewFlagSet("flush", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	if err := store.Flush(); err != nil {
		fmt.Fprintf(c.Stderr, "Error flushing: %v\n", err)
		return 1
	}
	fmt.Fprintln(c.Stdout, "OK")
	return 0
}

func levelTables(stats tinylsm.StoreStats) string {
	s := ""
	for _, level := range stats.Levels {
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("L%d=%d", level.Level, level.NumTables)
	}
	if s == "" {
		return "no tables"
	}
	return s
}

func (c *CLI) cmdCompact(args []string) int {
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	fmt.Fprintf(c.Stdout, "Before: %s\n", levelTables(store.Stats()))
	fmt.Fprintln(c.Stdout, "Compacting...")
	if err := store.Compact(); err != nil {
		fmt.Fprintf(c.Stderr, "Error compacting: %v\n", err)
		return 1
	}
	fmt.Fprintf(c.Stdout, "After:  %s\n", levelTables(store.Stats()))
	fmt.Fprintln(c.Stdout, "Done")
	return 0
}

// cmdVerify reads every live key through a full merge. Checksum
// verification is forced on so a corrupt block fails the scan.
func (c *CLI) cmdVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	sf.verify = true

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	var keys int64
	var bytes int64
	err := store.Scan(nil, nil, func(key, val []byte) bool {
		keys++
		bytes += int64(len(key) + len(val))
		return true
	})
	if err != nil {
		if errors.Is(err, tinylsm.ErrChecksumMismatch) || errors.Is(err, tinylsm.ErrCorruptedData) {
			fmt.Fprintf(c.Stdout, "CORRUPT: %v\n", err)
		} else {
			fmt.Fprintf(c.Stderr, msgErr, err)
		}
		return 1
	}
	fmt.Fprintf(c.Stdout, "OK: %d live keys, %s\n", keys, formatBytes(bytes))
	return 0
}

func (c *CLI) cmdExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	output := fs.String("output", "", "Output file path (required)")
	prefix := fs.String("prefix", "", "Only export keys with this prefix")
	prefixHex := fs.String("prefix-hex", "", "Only export keys with this prefix (hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *output == "" {
		fmt.Fprintln(c.Stderr, "Error: -output is required")
		fs.Usage()
		return 1
	}
	prefixBytes, err := parsePrefix(*prefix, *prefixHex)
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		return 1
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	file, err := os.Create(*output)
	if err != nil {
		fmt.Fprintf(c.Stderr, "Error creating output file: %v\n", err)
		return 1
	}
	defer file.Close()

	count, err := exportCSV(store, prefixBytes, file)
	if err != nil {
		fmt.Fprintf(c.Stderr, "\nError exporting: %v\n", err)
		return 1
	}
	fmt.Fprintf(c.Stderr, "Exported %d keys to %s\n", count, *output)
	return 0
}

// exportCSV writes key,value rows, both hex encoded, at one version.
func exportCSV(store *tinylsm.Store, prefix []byte, w io.Writer) (int64, error) {
	snap, err := store.Snapshot()
	if err != nil {
		return 0, err
	}
	defer snap.Release()

	writer := csv.NewWriter(w)
	writer.Write([]string{"key", "value"})

	start, end := prefixBounds(prefix)
	var count int64
	var werr error
	err = snap.Scan(start, end, func(key, val []byte) bool {
		werr = writer.Write([]string{hex.EncodeToString(key), hex.EncodeToString(val)})
		count++
		return werr == nil
	})
	if err != nil {
		return count, err
	}
	if werr != nil {
		return count, werr
	}
	writer.Flush()
	return count, writer.Error()
}

func (c *CLI) cmdImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	input := fs.String("input", "", "Input file path (required)")
	batchSize := fs.Int("batch", 1000, "Keys per atomic batch")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *input == "" {
		fmt.Fprintln(c.Stderr, "Error: -input is required")
		fs.Usage()
		return 1
	}

	file, err := os.Open(*input)
	if err != nil {
		fmt.Fprintf(c.Stderr, "Error opening input file: %v\n", err)
		return 1
	}
	defer file.Close()

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	count, bad, err := importCSV(store, bufio.NewReader(file), *batchSize)
	if err != nil {
		fmt.Fprintf(c.Stderr, "Error importing: %v\n", err)
		return 1
	}
	if err := store.Flush(); err != nil {
		fmt.Fprintf(c.Stderr, "Error flushing: %v\n", err)
		return 1
	}

	fmt.Fprintf(c.Stderr, "Imported %d keys (%d errors)\n", count, bad)
	return 0
}

// importCSV reads key,value rows written by exportCSV and applies them
// in batches. Malformed rows are skipped and counted.
func importCSV(store *tinylsm.Store, r io.Reader, batchSize int) (count, bad int64, err error) {
	reader := csv.NewReader(r)
	if _, err := reader.Read(); err != nil {
		return 0, 0, fmt.Errorf("read header: %w", err)
	}
	if batchSize < 1 {
		batchSize = 1
	}

	batch := tinylsm.NewBatch()
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		if _, err := store.Write(batch); err != nil {
			return err
		}
		count += int64(batch.Len())
		batch.Reset()
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil || len(record) != 2 {
			bad++
			continue
		}
		key, kerr := hex.DecodeString(record[0])
		val, verr := hex.DecodeString(record[1])
		if kerr != nil || verr != nil || len(key) == 0 {
			bad++
			continue
		}
		batch.Put(key, val)
		if batch.Len() >= batchSize {
			if err := flush(); err != nil {
				return count, bad, err
			}
		}
	}
	return count, bad, flush()
}

func (c *CLI) cmdShell(args []string) int {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, done, ok := c.openStore(sf)
	if !ok {
		return 1
	}
	defer done()

	NewShell(store, c.Stdout).Run()
	return 0
}
