package cache

// Backend is the narrow transactional KV interface the cache is built on
// (§1: "the on-disk key-value backend... only the transactional KV
// interface is specified"). Both the bbolt-backed store and the in-memory
// store used by tests implement it.
type Backend interface {
	Begin(writable bool) (Txn, error)
	Close() error
}

// Txn is a single read or write transaction. A write Txn must not span a
// suspension point (§5): acquire it, do the work, Commit or Rollback before
// yielding back to the event loop.
type Txn interface {
	// Get returns the stored value and true, or nil and false if absent.
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// DeleteAll removes every key in the store (cache.clear).
	DeleteAll() error
	// ForEach calls fn for every key/value pair with the given prefix.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Commit() error
	Rollback() error
}
