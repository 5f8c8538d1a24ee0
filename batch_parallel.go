package tinylsm

import (
	"runtime"
	"sync"

	"github.com/freeeve/msgpck"
)

// KeyValue pairs a key with a struct value for PutStructs.
type KeyValue[T any] struct {
	Key   []byte
	Value *T
}

// PutStructs msgpack-encodes items across CPU cores and writes them as
// one atomic batch. It returns the version of the last item.
func PutStructs[T any](s *Store, items []KeyValue[T]) (uint64, error) {
	batch, err := encodeStructs(items, runtime.NumCPU())
	if err != nil {
		return 0, err
	}
	return s.Write(batch)
}

// encodeStructs fills a batch in item order. Encoding is split into
// contiguous chunks, one per worker.
func encodeStructs[T any](items []KeyValue[T], workers int) (*Batch, error) {
	b := &Batch{records: make([]Record, len(items))}
	if len(items) == 0 {
		return b, nil
	}
	enc := msgpck.GetStructEncoder[T]()

	if workers < 1 {
		workers = 1
	}
	chunk := (len(items) + workers - 1) / workers

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for start := 0; start < len(items); start += chunk {
		end := min(start+chunk, len(items))
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				data, err := enc.EncodeCopy(items[i].Value)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				b.records[i] = Record{
					Key:   Key{UserKey: append([]byte(nil), items[i].Key...)},
					Value: PutValue(data),
				}
			}
		}(start, end)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return b, nil
}
