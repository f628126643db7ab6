package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

// PebbleKV persists snapshots in a local Pebble database, the durable
// counterpart to the browser client's localStorage.
type PebbleKV struct {
	db *pebble.DB
}

func OpenPebbleKV(dir string) (*PebbleKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}
	return &PebbleKV{db: db}, nil
}

func (kv *PebbleKV) Get(key string) ([]byte, error) {
	value, closer, err := kv.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	_ = closer.Close()
	return out, nil
}

func (kv *PebbleKV) Set(key string, value []byte) error {
	return kv.db.Set([]byte(key), value, pebble.Sync)
}

func (kv *PebbleKV) Delete(key string) error {
	return kv.db.Delete([]byte(key), pebble.Sync)
}

func (kv *PebbleKV) Keys(prefix string) ([]string, error) {
	it, err := kv.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys, it.Error()
}

func (kv *PebbleKV) Close() error {
	return kv.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff; no upper bound
}
