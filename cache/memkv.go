package cache

import (
	"bytes"
	"sort"
	"sync"
)

// memBackend is a process-local Backend used by tests and by embedders that
// don't need persistence across restarts.
type memBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemBackend returns a Backend backed by an in-process map.
func NewMemBackend() Backend {
	return &memBackend{data: map[string][]byte{}}
}

func (b *memBackend) Close() error { return nil }

func (b *memBackend) Begin(writable bool) (Txn, error) {
	if writable {
		b.mu.Lock()
	} else {
		b.mu.RLock()
	}
	return &memTxn{backend: b, writable: writable, puts: map[string][]byte{}, dels: map[string]bool{}}, nil
}

type memTxn struct {
	backend  *memBackend
	writable bool
	done     bool

	puts     map[string][]byte
	dels     map[string]bool
	clearAll bool
}

func (t *memTxn) unlock() {
	if t.done {
		return
	}
	t.done = true
	if t.writable {
		t.backend.mu.Unlock()
	} else {
		t.backend.mu.RUnlock()
	}
}

func (t *memTxn) Get(key []byte) ([]byte, bool, error) {
	k := string(key)
	if t.writable {
		if t.dels[k] {
			return nil, false, nil
		}
		if v, ok := t.puts[k]; ok {
			return v, true, nil
		}
	}
	v, ok := t.backend.data[k]
	return v, ok, nil
}

func (t *memTxn) Put(key, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	k := string(key)
	delete(t.dels, k)
	cp := make([]byte, len(value))
	copy(cp, value)
	t.puts[k] = cp
	return nil
}

func (t *memTxn) Delete(key []byte) error {
	if !t.writable {
		return errReadOnly
	}
	k := string(key)
	delete(t.puts, k)
	t.dels[k] = true
	return nil
}

func (t *memTxn) DeleteAll() error {
	if !t.writable {
		return errReadOnly
	}
	t.clearAll = true
	t.puts = map[string][]byte{}
	t.dels = map[string]bool{}
	return nil
}

func (t *memTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	keys := make([]string, 0, len(t.backend.data))
	for k := range t.backend.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	if t.writable {
		for k := range t.puts {
			if bytes.HasPrefix([]byte(k), prefix) {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	seen := map[string]bool{}
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		v, ok, _ := t.Get([]byte(k))
		if !ok {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTxn) Commit() error {
	defer t.unlock()
	if !t.writable {
		return nil
	}
	if t.clearAll {
		t.backend.data = map[string][]byte{}
	}
	for k, v := range t.puts {
		t.backend.data[k] = v
	}
	for k := range t.dels {
		delete(t.backend.data, k)
	}
	return nil
}

func (t *memTxn) Rollback() error {
	t.unlock()
	return nil
}
