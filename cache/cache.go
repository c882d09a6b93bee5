// Package cache implements the tagged, transactional DNS record cache (C1,
// §4.1). It is grounded on the teacher's poor-man's LRU (cache/cache.go in
// classmarkets-go-dns-resolver) generalized into a versioned, rank-aware,
// backend-pluggable store, and on safing-portmaster's RRCache/NameRecord
// string-round-trip idiom for serializing dns.RR values.
package cache

import (
	"bytes"
	"time"

	"github.com/quietloop/dnscore/metrics"
	"github.com/quietloop/dnscore/rerr"
)

// version is the on-disk format tag (§6: "Versioned tag byte `V\x02`").
var version = []byte("V\x02")

var versionKey = []byte{0xff} // outside any tag's key space (tags are < 0x80 or >= 0x80, never 0xff alone)

// Cache is a tagged, transactional KV of DNS records with TTL/rank
// semantics (C1).
type Cache struct {
	backend Backend
	stats   *metrics.CacheStats
}

// Open initializes the versioned store. On version mismatch with any
// non-empty store, the cache clears itself and rewrites the version key
// (§4.1).
func Open(backend Backend, stats *metrics.CacheStats) (*Cache, error) {
	if stats == nil {
		stats = metrics.NewCacheStats()
	}
	c := &Cache{backend: backend, stats: stats}

	txn, err := backend.Begin(true)
	if err != nil {
		return nil, err
	}

	storedVersion, hasVersion, err := txn.Get(versionKey)
	if err != nil {
		txn.Rollback()
		return nil, err
	}

	nonEmpty := false
	_ = txn.ForEach(nil, func(k, v []byte) error {
		if !bytes.Equal(k, versionKey) {
			nonEmpty = true
		}
		return nil
	})

	switch {
	case hasVersion && bytes.Equal(storedVersion, version):
		// Already at the current version; nothing to do.
	case hasVersion && nonEmpty:
		// Mismatched version on a non-empty store: clear and rewrite (§4.1).
		if err := txn.DeleteAll(); err != nil {
			txn.Rollback()
			return nil, err
		}
		if err := txn.Put(versionKey, version); err != nil {
			txn.Rollback()
			return nil, err
		}
	default:
		// No version key yet, or a mismatched version on an empty store:
		// just (re)write the version key.
		if err := txn.Put(versionKey, version); err != nil {
			txn.Rollback()
			return nil, err
		}
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases the underlying backend.
func (c *Cache) Close() error { return c.backend.Close() }

// TxnBegin opens a new transaction. Commit failure auto-aborts (§4.1).
func (c *Cache) TxnBegin(readOnly bool) (*Txn2, error) {
	t, err := c.backend.Begin(!readOnly)
	if err != nil {
		return nil, err
	}
	if readOnly {
		c.stats.TxnRead.Inc()
	} else {
		c.stats.TxnWrite.Inc()
	}
	return &Txn2{raw: t, cache: c}, nil
}

// Txn2 wraps a backend Txn with the cache's commit/abort bookkeeping. It is
// named to avoid colliding with the Txn interface type.
type Txn2 struct {
	raw   Txn
	cache *Cache
	done  bool
}

// Commit commits the transaction. On failure it auto-aborts, per §4.1.
func (t *Txn2) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.raw.Commit(); err != nil {
		t.raw.Rollback()
		return err
	}
	return nil
}

// Abort rolls back the transaction.
func (t *Txn2) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.raw.Rollback()
}

// PeekResult is returned by Peek.
type PeekResult struct {
	Entry *Entry
	Drift time.Duration
	Stale bool
}

// Peek returns the entry stored under (tag, name, rrtype), if any, along
// with the freshness drift (§4.1, §8 property 1).
//
// peek's exact semantics:
//   - no key at all: (nil, rerr ErrKind NOENT)
//   - timestamp in the future (clock skew, the "John Connor" branch):
//     returned as a hit with drift 0, exactly as written in spec §9 --
//     no documented tie-breaker exists for two future timestamps.
//   - timestamp <= now and now-timestamp <= ttl: hit, drift = now-timestamp
//   - otherwise: STALE. The entry (and so its Rank) is still returned so
//     that callers can make rank-aware decisions on a stale hit.
func (t *Txn2) Peek(tag Tag, name string, rrtype uint16, now time.Time) (*PeekResult, error) {
	k := key(tag, name, rrtype)
	v, ok, err := t.raw.Get(k)
	if err != nil {
		return nil, err
	}
	if !ok {
		t.cache.stats.Miss.Inc()
		return nil, rerr.New(rerr.NoEnt, "cache miss")
	}

	e, err := decodeEntry(name, dnsClassINET, rrtype, v)
	if err != nil {
		return nil, err
	}

	if now.Unix() < e.Header.Timestamp {
		t.cache.stats.Hit.Inc()
		return &PeekResult{Entry: e, Drift: 0}, nil
	}

	age := now.Unix() - e.Header.Timestamp
	if age > int64(e.Header.TTL) {
		return &PeekResult{Entry: e, Stale: true}, rerr.New(rerr.Stale, "cache entry expired")
	}

	t.cache.stats.Hit.Inc()
	return &PeekResult{Entry: e, Drift: time.Duration(age) * time.Second}, nil
}

// PeekRank is a convenience for the "peek-by-rank still returns the entry's
// rank on STALE" requirement in §4.1.
func (t *Txn2) PeekRank(tag Tag, name string, rrtype uint16, now time.Time) (Rank, bool) {
	res, err := t.Peek(tag, name, rrtype, now)
	if res == nil {
		return 0, false
	}
	if err != nil && !rerr.Is(err, rerr.Stale) {
		return 0, false
	}
	return res.Entry.Header.Rank, true
}

// Insert replaces any existing key, subject to the rank policy: inserts
// MUST NOT lower rank unless the existing entry is expired (§4.1).
//
// Insert computes header.TTL as the maximum TTL across the RRSet's records
// and sets header.Count to the record count, as required by §4.1.
//
// An empty RRSet is a no-op that returns success (§8 boundary behavior).
func (t *Txn2) Insert(tag Tag, name string, rrtype uint16, rank Rank, flags byte, now time.Time, rrset RRSet) error {
	if len(rrset.RRs) == 0 {
		return nil
	}

	rrset.computeTTL()

	k := key(tag, name, rrtype)

	if existing, ok, err := t.raw.Get(k); err == nil && ok {
		old, err := decodeEntry(name, dnsClassINET, rrtype, existing)
		if err == nil {
			age := now.Unix() - old.Header.Timestamp
			expired := age > int64(old.Header.TTL)
			if !expired && old.Header.Rank > rank {
				// Suppressed: existing entry is live and outranks the new data.
				return nil
			}
		}
	}

	e := &Entry{
		Header: Header{
			Timestamp: now.Unix(),
			TTL:       rrset.TTL,
			Count:     uint16(len(rrset.RRs)),
			Rank:      rank,
			Flags:     flags,
		},
		RRSet: rrset,
	}

	if err := t.raw.Put(k, encodeEntry(e)); err != nil {
		return err
	}
	t.cache.stats.Insert.Inc()
	return nil
}

// Remove deletes the entry stored under (tag, name, rrtype), if any.
func (t *Txn2) Remove(tag Tag, name string, rrtype uint16) error {
	if err := t.raw.Delete(key(tag, name, rrtype)); err != nil {
		return err
	}
	t.cache.stats.Delete.Inc()
	return nil
}

// Clear removes every entry, including the version key; the next Open of
// the backend finds no version key and writes it again.
func (t *Txn2) Clear() error {
	return t.raw.DeleteAll()
}

// dnsClassINET is the only class this resolver deals in; kept as a named
// constant so decodeEntry's call sites read clearly.
const dnsClassINET = 1
