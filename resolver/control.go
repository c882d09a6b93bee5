package resolver

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/anchor"
	"github.com/quietloop/dnscore/cache"
	"github.com/quietloop/dnscore/iterator"
	"github.com/quietloop/dnscore/metrics"
	"github.com/quietloop/dnscore/pipeline"
	"github.com/quietloop/dnscore/worker"
)

// Control is the resolver's control surface (§6): a small in-process Go API
// rather than an RPC service, since spec.md specifies no wire protocol for
// it and none is added here.
type Control struct {
	core *Core
}

// NewControl returns a Control over core.
func NewControl(core *Core) *Control { return &Control{core: core} }

// Lookup resolves question directly, in-process, without going through
// either client-facing listener -- useful for health checks and tests.
func (ctl *Control) Lookup(ctx context.Context, question dns.Question) (*dns.Msg, error) {
	done := make(chan struct{})
	var answer *dns.Msg

	_, sends, err := ctl.core.loop.Submit(question, func(t *worker.Task, final pipeline.State) {
		rcode := dns.RcodeSuccess
		if final == pipeline.FAIL {
			rcode = dns.RcodeServerFailure
		}
		answer = iterator.BuildAnswer(t.Req, rcode)
		close(done)
	})
	if err != nil {
		return nil, err
	}
	ctl.core.Upstream.Flush(sends)

	select {
	case <-done:
		return answer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ClearCache empties the record cache (§6 "cache.clear").
func (ctl *Control) ClearCache() error {
	txn, err := ctl.core.Cache.TxnBegin(false)
	if err != nil {
		return err
	}
	if err := txn.Clear(); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// CacheStats and WorkerStats return the live counter sets.
func (ctl *Control) CacheStats() *metrics.CacheStats   { return ctl.core.cacheStats }
func (ctl *Control) WorkerStats() *metrics.WorkerStats { return ctl.core.workerStats }

// TrustAnchors returns every tracked key for zone, in any RFC 5011 state.
func (ctl *Control) TrustAnchors(zone string) []*anchor.Key {
	return ctl.core.Anchors.Get(zone)
}

// AddTrustAnchor installs key as a configured (immediately VALID) trust
// anchor for zone.
func (ctl *Control) AddTrustAnchor(zone string, key *dns.DNSKEY) {
	ctl.core.Anchors.Add(zone, key, time.Now())
}

// RemoveTrustAnchors drops every tracked key for zone.
func (ctl *Control) RemoveTrustAnchors(zone string) {
	ctl.core.Anchors.Del(zone)
}

// Peek returns the cache's current view of (name, rrtype), if any, without
// consuming a lookup (§6 "peek").
func (ctl *Control) Peek(name string, rrtype uint16) (*cache.PeekResult, error) {
	txn, err := ctl.core.Cache.TxnBegin(true)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	return txn.Peek(cache.TagRR, name, rrtype, time.Now())
}
