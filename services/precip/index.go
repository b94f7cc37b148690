// services/precip/index.go
package precip

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"
)

// Index is an ordered byte-key store. Keys iterate in ascending byte order.
type Index interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, val []byte) error
	Delete(key []byte) error
	// Keys returns every key in ascending order.
	Keys() ([][]byte, error)
	Len() (int, error)
	// Flush makes previous writes durable.
	Flush() error
	Close() error
}

// Bucket keys and values are 4-byte big-endian so byte order is numeric order.
func encode(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func decode(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// MemIndex is an in-memory Index. It is not durable.
type MemIndex struct {
	mu sync.Mutex
	m  map[string][]byte
}

func NewMemIndex() *MemIndex { return &MemIndex{m: map[string][]byte{}} }

func (x *MemIndex) Get(key []byte) ([]byte, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	v, ok := x.m[string(key)]
	return bytes.Clone(v), ok, nil
}

func (x *MemIndex) Put(key, val []byte) error {
	x.mu.Lock()
	x.m[string(key)] = bytes.Clone(val)
	x.mu.Unlock()
	return nil
}

func (x *MemIndex) Delete(key []byte) error {
	x.mu.Lock()
	delete(x.m, string(key))
	x.mu.Unlock()
	return nil
}

func (x *MemIndex) Keys() ([][]byte, error) {
	x.mu.Lock()
	ks := make([]string, 0, len(x.m))
	for k := range x.m {
		ks = append(ks, k)
	}
	x.mu.Unlock()
	sort.Strings(ks)
	out := make([][]byte, len(ks))
	for i, k := range ks {
		out[i] = []byte(k)
	}
	return out, nil
}

func (x *MemIndex) Len() (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.m), nil
}

func (x *MemIndex) Flush() error { return nil }
func (x *MemIndex) Close() error { return nil }
