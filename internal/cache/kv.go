package cache

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("key not found")
	// ErrQuotaExceeded signals that the underlying store rejected a write
	// for capacity reasons. Implementations wrap their own quota errors
	// with it.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// KV is the byte store beneath the snapshot cache: a plain get/set/delete
// surface with prefix listing. Implementations may enforce a capacity.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// MemoryKV is an in-process KV, used in tests and as a bounded stand-in.
// A non-zero Quota caps the total stored bytes, mirroring browser storage
// limits.
type MemoryKV struct {
	Quota int

	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (kv *MemoryKV) Get(key string) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (kv *MemoryKV) Set(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.Quota > 0 {
		total := len(key) + len(value)
		for k, v := range kv.data {
			if k == key {
				continue
			}
			total += len(k) + len(v)
		}
		if total > kv.Quota {
			return ErrQuotaExceeded
		}
	}

	v := make([]byte, len(value))
	copy(v, value)
	kv.data[key] = v
	return nil
}

func (kv *MemoryKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	return nil
}

func (kv *MemoryKV) Keys(prefix string) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var keys []string
	for k := range kv.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (kv *MemoryKV) Close() error {
	return nil
}
