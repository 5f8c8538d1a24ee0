package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Common error and help message constants
const (
	msgErrOpenStore   = "Error opening store: %v\n"
	msgErrKeyRequired = "Error: -key or -key-hex is required"
	msgErr            = "Error: %v\n"
	flagKeyHex        = "key-hex"
)

var errValueRequired = errors.New("error: a value flag is required (-value, -value-hex, -value-int)")

// putFlags holds parsed flags for the put command.
type putFlags struct {
	key, keyHex     string
	value, valueHex string
	valueInt        int64
	flush           bool
	args            []string
}

// parseCLIKey parses key from either string or hex flag.
func parseCLIKey(key, keyHex string) ([]byte, error) {
	if keyHex != "" {
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("error decoding hex key: %v", err)
		}
		return keyBytes, nil
	}
	if key != "" {
		return []byte(key), nil
	}
	return nil, errors.New(msgErrKeyRequired)
}

// parsePrefix parses an optional prefix from either string or hex flag.
func parsePrefix(prefix, prefixHex string) ([]byte, error) {
	if prefixHex != "" {
		b, err := hex.DecodeString(prefixHex)
		if err != nil {
			return nil, fmt.Errorf("error decoding hex prefix: %v", err)
		}
		return b, nil
	}
	if prefix != "" {
		return []byte(prefix), nil
	}
	return nil, nil
}

// parseValue returns the bytes of the single value flag given. An
// integer is stored big-endian, the encoding Increment reads.
func (pf *putFlags) parseValue() ([]byte, error) {
	var results [][]byte

	if pf.value != "" || containsFlag(pf.args, "-value") {
		results = append(results, []byte(pf.value))
	}
	if pf.valueHex != "" {
		b, err := hex.DecodeString(pf.valueHex)
		if err != nil {
			return nil, fmt.Errorf("error decoding hex value: %v", err)
		}
		results = append(results, b)
	}
	if pf.valueInt != 0 || containsFlag(pf.args, "-value-int") {
		results = append(results, encodeInt(pf.valueInt))
	}

	switch len(results) {
	case 0:
		return nil, errValueRequired
	case 1:
		return results[0], nil
	default:
		return nil, errors.New("error: only one value flag allowed")
	}
}

func containsFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag || strings.HasPrefix(a, flag+"=") {
			return true
		}
	}
	return false
}

func encodeInt(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func formatKey(key []byte) string {
	if len(key) > 0 && isPrintable(key) {
		return string(key)
	}
	return "0x" + hex.EncodeToString(key)
}

// formatValue renders printable UTF-8 as a quoted string and anything
// else as hex, truncated past 64 bytes. Eight-byte values also show
// their int64 reading.
func formatValue(val []byte) string {
	if isPrintable(val) {
		return fmt.Sprintf("%q", val)
	}
	if len(val) == 8 {
		return fmt.Sprintf("0x%s (int64 %d)", hex.EncodeToString(val), int64(binary.BigEndian.Uint64(val)))
	}
	if len(val) <= 64 {
		return "0x" + hex.EncodeToString(val)
	}
	return fmt.Sprintf("0x%s... (%d bytes)", hex.EncodeToString(val[:64]), len(val))
}

func isPrintable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r < 32 || r == 127 {
			return false
		}
	}
	return true
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
