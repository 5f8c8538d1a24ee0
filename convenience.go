package tinylsm

import (
	"encoding/binary"
	"fmt"

	"github.com/freeeve/msgpck"
	"github.com/vmihailenco/msgpack/v5"
)

// PutString stores a string value.
func (s *Store) PutString(key []byte, value string) (uint64, error) {
	return s.Put(key, []byte(value))
}

// GetString retrieves a string value. It returns ErrKeyNotFound if the
// key has no live value.
func (s *Store) GetString(key []byte) (string, error) {
	val, err := s.mustGet(key)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// PutInt64 stores v as 8 big-endian bytes, the encoding Increment uses.
func (s *Store) PutInt64(key []byte, v int64) (uint64, error) {
	return s.Put(key, encodeInt64(v))
}

// GetInt64 retrieves a value written by PutInt64 or Increment.
func (s *Store) GetInt64(key []byte) (int64, error) {
	val, err := s.mustGet(key)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, ErrTypeMismatch
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

// PutStruct stores a Go value as msgpack.
func (s *Store) PutStruct(key []byte, v any) (uint64, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode struct: %w", err)
	}
	return s.Put(key, data)
}

// GetStruct decodes msgpack data into dest, which must be a pointer.
func (s *Store) GetStruct(key []byte, dest any) error {
	val, err := s.mustGet(key)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(val, dest); err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return nil
}

// PutMap stores a map of named fields as msgpack.
func (s *Store) PutMap(key []byte, fields map[string]any) (uint64, error) {
	data, err := msgpck.MarshalCopy(fields)
	if err != nil {
		return 0, fmt.Errorf("encode map: %w", err)
	}
	return s.Put(key, data)
}

// GetMap retrieves a map stored with PutMap.
func (s *Store) GetMap(key []byte) (map[string]any, error) {
	val, err := s.mustGet(key)
	if err != nil {
		return nil, err
	}
	fields, err := msgpck.UnmarshalMapStringAny(val, false)
	if err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	return fields, nil
}

// mustGet is Get with a missing key reported as ErrKeyNotFound.
func (s *Store) mustGet(key []byte) ([]byte, error) {
	val, found, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return val, nil
}
