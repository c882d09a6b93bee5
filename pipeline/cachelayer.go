package pipeline

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/cache"
	"github.com/quietloop/dnscore/rplan"
)

// HitKey is the bag.Extra key under which a cache hit's materialized RRSet
// is stashed for the iterator layer to assemble into the final answer.
const HitKey = "cache.hit"

// CacheLayer is conventionally first on produce (it short-circuits on a
// cache hit) and first on consume (it records newly received data), per
// §4.3.
type CacheLayer struct {
	Base
	Cache *cache.Cache
	Now   func() time.Time
}

// NewCacheLayer returns a CacheLayer over c. now defaults to time.Now.
func NewCacheLayer(c *cache.Cache, now func() time.Time) *CacheLayer {
	if now == nil {
		now = time.Now
	}
	return &CacheLayer{Base: NewBase("cache"), Cache: c, Now: now}
}

// Produce peeks the cache for the current query. On a hit, it materializes
// the stored RRSet, stashes it in bag.Extra under HitKey, marks the query
// resolved and pops it, and reports CONSUME so the iterator's drive loop
// re-enters Produce without doing any I/O. On a miss or stale hit it
// reports NOOP so later layers (the iterator layer) get a turn.
func (l *CacheLayer) Produce(ctx context.Context, bag *Bag) State {
	q := bag.Plan.Current()
	if q == nil {
		return NOOP
	}
	if q.Flags&rplan.FlagNoCache != 0 {
		return NOOP
	}

	txn, err := l.Cache.TxnBegin(true)
	if err != nil {
		return NOOP
	}
	defer txn.Abort()

	res, err := txn.Peek(cache.TagRR, q.Name, q.Type, l.Now())
	if err != nil || res == nil || res.Entry == nil {
		return NOOP
	}

	rrset := cache.Materialize(res.Entry.RRSet, uint32(res.Drift/time.Second))
	bag.Extra[HitKey] = rrset

	q.Flags |= rplan.FlagResolved
	bag.Plan.Pop(q)

	return CONSUME
}

// Consume stores the just-received answer (delivered via bag.InPacket) into
// the cache under the current query, ahead of the iterator layer (§4.3).
// It always reports NOOP so later layers still see the response.
func (l *CacheLayer) Consume(ctx context.Context, bag *Bag) State {
	q := bag.Plan.Current()
	if q == nil || bag.InPacket == nil {
		return NOOP
	}
	if q.Flags&rplan.FlagNoCache != 0 {
		return NOOP
	}

	txn, err := l.Cache.TxnBegin(false)
	if err != nil {
		return NOOP
	}

	rrset := cache.RRSet{Owner: q.Name, Class: dns.ClassINET, Type: q.Type, RRs: bag.InPacket.Answer}
	rank := cache.RankAuth
	if !bag.InPacket.Authoritative {
		rank = cache.RankNonAuth
	}
	if r, ok := bag.Extra[RankKey]; ok {
		if validated, ok := r.(cache.Rank); ok {
			rank = validated
		}
		delete(bag.Extra, RankKey)
	}
	if err := txn.Insert(cache.TagRR, q.Name, q.Type, rank, 0, l.Now(), rrset); err != nil {
		txn.Abort()
		return NOOP
	}

	if err := txn.Commit(); err != nil {
		txn.Abort()
	}

	return NOOP
}
