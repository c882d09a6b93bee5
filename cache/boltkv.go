package cache

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("dnscache")

// boltBackend is the default persistent Backend (§6: "Cache on-disk"),
// grounded on safing-portmaster's own use of go.etcd.io/bbolt for its
// local stores.
type boltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt-backed Backend at path.
func OpenBolt(path string) (Backend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) Close() error { return b.db.Close() }

func (b *boltBackend) Begin(writable bool) (Txn, error) {
	tx, err := b.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltTxn{tx: tx, bucket: tx.Bucket(bucketName)}, nil
}

type boltTxn struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
}

func (t *boltTxn) Get(key []byte) ([]byte, bool, error) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (t *boltTxn) Put(key, value []byte) error {
	return t.bucket.Put(key, value)
}

func (t *boltTxn) Delete(key []byte) error {
	return t.bucket.Delete(key)
}

func (t *boltTxn) DeleteAll() error {
	c := t.bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.First() {
		if err := t.bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	c := t.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) Commit() error {
	return t.tx.Commit()
}

func (t *boltTxn) Rollback() error {
	return t.tx.Rollback()
}
