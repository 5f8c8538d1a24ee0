package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/freeeve/tinylsm"
	"github.com/peterh/liner"
)

const shellScanLimit = 100

// Shell is an interactive command interface over an open store.
type Shell struct {
	store       *tinylsm.Store
	out         io.Writer
	prompt      string
	historyFile string
	line        *liner.State

	// Pinned reads; nil reads the current version
	snap *tinylsm.Snapshot
}

// NewShell creates a new shell instance writing to out.
func NewShell(store *tinylsm.Store, out io.Writer) *Shell {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".tinylsm_history")
	}

	return &Shell{
		store:       store,
		out:         out,
		prompt:      "tinylsm> ",
		historyFile: historyFile,
	}
}

// Run starts the interactive loop.
func (s *Shell) Run() {
	s.line = liner.NewLiner()
	defer s.line.Close()

	s.line.SetCtrlCAborts(true)
	s.loadHistory()

	fmt.Fprintln(s.out, "tinylsm shell "+versionString())
	fmt.Fprintln(s.out, "Type help for help, quit to exit")
	fmt.Fprintln(s.out)

	s.runLoop()
	s.saveHistory()
	s.releaseSnapshot()
}

func (s *Shell) loadHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Open(s.historyFile)
	if err != nil {
		return
	}
	s.line.ReadHistory(f)
	f.Close()
}

func (s *Shell) saveHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Create(s.historyFile)
	if err != nil {
		return
	}
	s.line.WriteHistory(f)
	f.Close()
}

func (s *Shell) runLoop() {
	for {
		input, err := s.line.Prompt(s.prompt)
		if err != nil {
			if err == liner.ErrPromptAborted {
				fmt.Fprintln(s.out, "^C")
				continue
			}
			fmt.Fprintln(s.out)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)
		if !s.execute(input) {
			return
		}
	}
}

// execute runs one command line. It returns false to exit.
func (s *Shell) execute(input string) bool {
	fields := strings.Fields(input)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	start := time.Now()
	var err error
	switch cmd {
	case "quit", "exit", `\q`:
		return false
	case "help", `\h`, "?":
		s.printHelp()
		return true
	case "get":
		err = s.cmdGet(args)
	case "getat":
		err = s.cmdGetAt(args)
	case "put":
		err = s.cmdPut(args)
	case "delete", "del":
		err = s.cmdDelete(args)
	case "incr":
		err = s.cmdIncr(args)
	case "scan":
		err = s.cmdScan(args, false)
	case "rscan":
		err = s.cmdScan(args, true)
	case "prefix":
		err = s.cmdPrefix(args)
	case "count":
		err = s.cmdCount(args)
	case "snapshot":
		err = s.cmdSnapshot()
	case "release":
		s.releaseSnapshot()
		fmt.Fprintln(s.out, "Reading the current version")
	case "version":
		fmt.Fprintf(s.out, "%d\n", s.store.CurrentVersion())
	case "stats":
		printStats(s.out, s.store.Stats())
	case "flush":
		err = s.store.Flush()
	case "compact":
		err = s.store.Compact()
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type help)\n", cmd)
		return true
	}

	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return true
	}
	if cmd == "flush" || cmd == "compact" {
		fmt.Fprintf(s.out, "OK (%s)\n", formatDuration(time.Since(start)))
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `Commands:
  get <key>                Current value (or the pinned snapshot's)
  getat <key> <version>    Value as of a version
  put <key> <value>        Write a value
  delete <key>             Write a tombstone
  incr <key> [delta]       Add to an int64 counter
  scan [start] [end]       Ascending range scan
  rscan [start] [end]      Descending range scan
  prefix <prefix>          Keys starting with prefix
  count [prefix]           Count live keys
  snapshot                 Pin the current version for reads
  release                  Unpin and read the current version
  version                  Show the current version
  stats                    Store statistics
  flush                    Flush memtables
  compact                  Flush and compact
  quit                     Exit

Keys and values starting with 0x are hex.`)
}

var errArgs = errors.New("wrong number of arguments (type help)")

// parseArg decodes a 0x-prefixed hex argument, or returns it verbatim.
func parseArg(arg string) ([]byte, error) {
	if strings.HasPrefix(arg, "0x") && len(arg) > 2 {
		return hex.DecodeString(arg[2:])
	}
	return []byte(arg), nil
}

func (s *Shell) get(key []byte) ([]byte, bool, error) {
	if s.snap != nil {
		return s.snap.Get(key)
	}
	return s.store.Get(key)
}

func (s *Shell) printLookup(key, val []byte, found bool) {
	if !found {
		fmt.Fprintln(s.out, "(not found)")
		return
	}
	fmt.Fprintf(s.out, "%s = %s\n", formatKey(key), formatValue(val))
}

func (s *Shell) cmdGet(args []string) error {
	if len(args) != 1 {
		return errArgs
	}
	key, err := parseArg(args[0])
	if err != nil {
		return err
	}
	val, found, err := s.get(key)
	if err != nil {
		return err
	}
	s.printLookup(key, val, found)
	return nil
}

func (s *Shell) cmdGetAt(args []string) error {
	if len(args) != 2 {
		return errArgs
	}
	key, err := parseArg(args[0])
	if err != nil {
		return err
	}
	version, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q", args[1])
	}
	val, found, err := s.store.GetAt(key, version)
	if err != nil {
		return err
	}
	s.printLookup(key, val, found)
	return nil
}

func (s *Shell) cmdPut(args []string) error {
	if len(args) < 2 {
		return errArgs
	}
	key, err := parseArg(args[0])
	if err != nil {
		return err
	}
	// Unquoted values may contain spaces
	val, err := parseArg(strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	version, err := s.store.Put(key, val)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "OK (version %d)\n", version)
	return nil
}

func (s *Shell) cmdDelete(args []string) error {
	if len(args) != 1 {
		return errArgs
	}
	key, err := parseArg(args[0])
	if err != nil {
		return err
	}
	version, err := s.store.Delete(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "OK (version %d)\n", version)
	return nil
}

func (s *Shell) cmdIncr(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errArgs
	}
	key, err := parseArg(args[0])
	if err != nil {
		return err
	}
	delta := int64(1)
	if len(args) == 2 {
		if delta, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("invalid delta %q", args[1])
		}
	}
	n, err := s.store.Increment(key, delta)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d\n", n)
	return nil
}

func (s *Shell) iterator(opts tinylsm.ScanOptions) (*tinylsm.StoreIterator, error) {
	if s.snap != nil {
		return s.snap.NewIterator(opts)
	}
	return s.store.NewIterator(opts)
}

func (s *Shell) printRange(opts tinylsm.ScanOptions) error {
	it, err := s.iterator(opts)
	if err != nil {
		return err
	}
	defer it.Close()

	n := 0
	for n < shellScanLimit && it.Next() {
		fmt.Fprintf(s.out, "%s = %s  @%d\n", formatKey(it.Key()), formatValue(it.Value()), it.Version())
		n++
	}
	if err := it.Err(); err != nil {
		return err
	}
	if n == shellScanLimit && it.Next() {
		fmt.Fprintf(s.out, "(first %d results)\n", n)
	} else {
		fmt.Fprintf(s.out, "(%d results)\n", n)
	}
	return nil
}

func (s *Shell) cmdScan(args []string, reverse bool) error {
	if len(args) > 2 {
		return errArgs
	}
	opts := tinylsm.ScanOptions{Reverse: reverse}
	var err error
	if len(args) > 0 {
		if opts.Start, err = parseArg(args[0]); err != nil {
			return err
		}
	}
	if len(args) > 1 {
		if opts.End, err = parseArg(args[1]); err != nil {
			return err
		}
	}
	return s.printRange(opts)
}

func (s *Shell) cmdPrefix(args []string) error {
	if len(args) != 1 {
		return errArgs
	}
	prefix, err := parseArg(args[0])
	if err != nil {
		return err
	}
	opts := tinylsm.ScanOptions{}
	opts.Start, opts.End = prefixBounds(prefix)
	return s.printRange(opts)
}

func (s *Shell) cmdCount(args []string) error {
	if len(args) > 1 {
		return errArgs
	}
	var prefix []byte
	if len(args) == 1 {
		var err error
		if prefix, err = parseArg(args[0]); err != nil {
			return err
		}
	}
	n, err := s.store.Count(prefix)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d\n", n)
	return nil
}

func (s *Shell) cmdSnapshot() error {
	s.releaseSnapshot()
	snap, err := s.store.Snapshot()
	if err != nil {
		return err
	}
	s.snap = snap
	fmt.Fprintf(s.out, "Pinned version %d\n", snap.Version())
	return nil
}

func (s *Shell) releaseSnapshot() {
	if s.snap != nil {
		s.snap.Release()
		s.snap = nil
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
