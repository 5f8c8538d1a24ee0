package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/freeeve/tinylsm"
)

func newTestShell(t *testing.T) (*Shell, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	opts := tinylsm.DefaultOptions(dir)
	opts.WALSyncMode = tinylsm.WALSyncNone
	store, err := tinylsm.Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	var out bytes.Buffer
	shell := NewShell(store, &out)
	t.Cleanup(func() {
		shell.releaseSnapshot()
		store.Close()
	})
	return shell, &out
}

// runLine runs one shell line and returns what it printed.
func runLine(t *testing.T, s *Shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	if !s.execute(line) {
		t.Fatalf("%q exited the shell", line)
	}
	return out.String()
}

func TestShell_PutGetDelete(t *testing.T) {
	s, out := newTestShell(t)

	if got := runLine(t, s, out, "put user:1 hello world"); got != "OK (version 1)\n" {
		t.Errorf("put = %q", got)
	}
	if got := runLine(t, s, out, "get user:1"); got != "user:1 = \"hello world\"\n" {
		t.Errorf("get = %q", got)
	}
	if got := runLine(t, s, out, "del user:1"); got != "OK (version 2)\n" {
		t.Errorf("del = %q", got)
	}
	if got := runLine(t, s, out, "get user:1"); got != "(not found)\n" {
		t.Errorf("get after delete = %q", got)
	}
	if got := runLine(t, s, out, "getat user:1 1"); got != "user:1 = \"hello world\"\n" {
		t.Errorf("getat = %q", got)
	}
}

func TestShell_HexArgs(t *testing.T) {
	s, out := newTestShell(t)

	runLine(t, s, out, "put 0x0001 0xff")
	if got := runLine(t, s, out, "get 0x0001"); got != "0x0001 = 0xff\n" {
		t.Errorf("get hex = %q", got)
	}
	if got := runLine(t, s, out, "get 0xzz"); !strings.HasPrefix(got, "Error:") {
		t.Errorf("bad hex = %q", got)
	}
}

func TestShell_Incr(t *testing.T) {
	s, out := newTestShell(t)

	if got := runLine(t, s, out, "incr hits"); got != "1\n" {
		t.Errorf("incr = %q", got)
	}
	if got := runLine(t, s, out, "incr hits 41"); got != "42\n" {
		t.Errorf("incr 41 = %q", got)
	}
	if got := runLine(t, s, out, "incr hits x"); !strings.Contains(got, "invalid delta") {
		t.Errorf("incr x = %q", got)
	}
	runLine(t, s, out, "put name bob")
	if got := runLine(t, s, out, "incr name"); !strings.Contains(got, tinylsm.ErrTypeMismatch.Error()) {
		t.Errorf("incr on string = %q", got)
	}
}

func TestShell_ScanAndPrefix(t *testing.T) {
	s, out := newTestShell(t)
	for _, k := range []string{"a", "b:1", "b:2", "c"} {
		runLine(t, s, out, "put "+k+" v")
	}

	got := runLine(t, s, out, "scan b c")
	want := "b:1 = \"v\"  @2\nb:2 = \"v\"  @3\n(2 results)\n"
	if got != want {
		t.Errorf("scan = %q, want %q", got, want)
	}

	got = runLine(t, s, out, "rscan")
	if !strings.HasPrefix(got, "c = ") || !strings.HasSuffix(got, "(4 results)\n") {
		t.Errorf("rscan = %q", got)
	}

	got = runLine(t, s, out, "prefix b:")
	if !strings.HasSuffix(got, "(2 results)\n") {
		t.Errorf("prefix = %q", got)
	}

	if got := runLine(t, s, out, "count b:"); got != "2\n" {
		t.Errorf("count = %q", got)
	}
}

func TestShell_ScanLimit(t *testing.T) {
	s, out := newTestShell(t)
	for i := 0; i < shellScanLimit+5; i++ {
		runLine(t, s, out, "put k"+strings.Repeat("x", i)+" v")
	}
	got := runLine(t, s, out, "scan")
	if !strings.HasSuffix(got, "(first 100 results)\n") {
		t.Errorf("scan past limit ends with %q", got[len(got)-30:])
	}
}

func TestShell_Snapshot(t *testing.T) {
	s, out := newTestShell(t)

	runLine(t, s, out, "put k old")
	if got := runLine(t, s, out, "snapshot"); got != "Pinned version 1\n" {
		t.Errorf("snapshot = %q", got)
	}
	runLine(t, s, out, "put k new")

	if got := runLine(t, s, out, "get k"); got != "k = \"old\"\n" {
		t.Errorf("pinned get = %q", got)
	}
	if got := runLine(t, s, out, "scan"); !strings.Contains(got, "\"old\"  @1") {
		t.Errorf("pinned scan = %q", got)
	}

	runLine(t, s, out, "release")
	if got := runLine(t, s, out, "get k"); got != "k = \"new\"\n" {
		t.Errorf("get after release = %q", got)
	}
	if got := runLine(t, s, out, "version"); got != "2\n" {
		t.Errorf("version = %q", got)
	}
}

func TestShell_Maintenance(t *testing.T) {
	s, out := newTestShell(t)
	runLine(t, s, out, "put k v")

	if got := runLine(t, s, out, "flush"); !strings.HasPrefix(got, "OK (") {
		t.Errorf("flush = %q", got)
	}
	if got := runLine(t, s, out, "compact"); !strings.HasPrefix(got, "OK (") {
		t.Errorf("compact = %q", got)
	}
	if got := runLine(t, s, out, "stats"); !strings.Contains(got, "Flushes:    1") {
		t.Errorf("stats = %q", got)
	}
}

func TestShell_ErrorsAndExit(t *testing.T) {
	s, out := newTestShell(t)

	if got := runLine(t, s, out, "get"); !strings.Contains(got, errArgs.Error()) {
		t.Errorf("get without key = %q", got)
	}
	if got := runLine(t, s, out, "getat k notanumber"); !strings.Contains(got, "invalid version") {
		t.Errorf("getat = %q", got)
	}
	if got := runLine(t, s, out, "frob"); got != "Unknown command: frob (type help)\n" {
		t.Errorf("unknown = %q", got)
	}
	if got := runLine(t, s, out, "help"); !strings.Contains(got, "snapshot") {
		t.Errorf("help = %q", got)
	}

	for _, cmd := range []string{"quit", "exit", `\q`, "QUIT"} {
		if s.execute(cmd) {
			t.Errorf("%q did not exit", cmd)
		}
	}
}
