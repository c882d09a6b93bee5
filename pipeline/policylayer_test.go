package pipeline

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/quietloop/dnscore/cache"
	"github.com/quietloop/dnscore/rplan"
)

func TestPolicyLayerBlocksConfiguredDomain(t *testing.T) {
	l := NewPolicyLayer([]string{"ads.example."})
	plan := rplan.New()
	bag := NewBag(plan)

	_, err := plan.Push(nil, "tracker.ads.example.", dns.ClassINET, dns.TypeA)
	require.NoError(t, err)

	st := l.Produce(context.Background(), bag)
	require.Equal(t, CONSUME, st)
	require.True(t, plan.Empty())
	require.Equal(t, dns.RcodeRefused, bag.Extra[RcodeKey])
	require.Error(t, bag.Err)
}

func TestPolicyLayerAllowsUnlistedDomain(t *testing.T) {
	l := NewPolicyLayer([]string{"ads.example."})
	plan := rplan.New()
	bag := NewBag(plan)

	_, err := plan.Push(nil, "example.com.", dns.ClassINET, dns.TypeA)
	require.NoError(t, err)

	st := l.Produce(context.Background(), bag)
	require.Equal(t, NOOP, st)
	require.False(t, plan.Empty())
}

type fakeAnchors struct{ covered bool }

func (f fakeAnchors) Covers(string) bool { return f.covered }

type recordingValidator struct {
	rank   cache.Rank
	err    error
	called bool
}

func (v *recordingValidator) Validate(ctx context.Context, rrset cache.RRSet) (cache.Rank, error) {
	v.called = true
	return v.rank, v.err
}

func TestValidatorLayerMarksAndRanksCoveredZone(t *testing.T) {
	anchors := fakeAnchors{covered: true}
	validator := &recordingValidator{rank: cache.RankSecure}
	l := NewValidatorLayer(anchors, validator)

	plan := rplan.New()
	bag := NewBag(plan)
	q, err := plan.Push(nil, "example.com.", dns.ClassINET, dns.TypeA)
	require.NoError(t, err)
	q.Cut.Owner = "example.com."

	st := l.Produce(context.Background(), bag)
	require.Equal(t, NOOP, st)
	require.NotZero(t, q.Flags&rplan.FlagNeedsValidation)

	resp := new(dns.Msg)
	resp.SetQuestion("example.com.", dns.TypeA)
	bag.InPacket = resp

	st = l.Consume(context.Background(), bag)
	require.Equal(t, NOOP, st)
	require.Equal(t, cache.RankSecure, bag.Extra[RankKey])
	require.True(t, validator.called)
}

func TestValidatorLayerSkipsUncoveredZone(t *testing.T) {
	anchors := fakeAnchors{covered: false}
	validator := &recordingValidator{rank: cache.RankSecure}
	l := NewValidatorLayer(anchors, validator)

	plan := rplan.New()
	bag := NewBag(plan)
	q, err := plan.Push(nil, "example.com.", dns.ClassINET, dns.TypeA)
	require.NoError(t, err)
	q.Cut.Owner = "example.com."

	l.Produce(context.Background(), bag)
	require.Zero(t, q.Flags&rplan.FlagNeedsValidation)

	bag.InPacket = new(dns.Msg)
	l.Consume(context.Background(), bag)
	require.False(t, validator.called)
}

func TestCacheLayerUsesValidatorRank(t *testing.T) {
	c, err := cache.Open(cache.NewMemBackend(), nil)
	require.NoError(t, err)

	cl := NewCacheLayer(c, nil)
	plan := rplan.New()
	bag := NewBag(plan)
	q, err := plan.Push(nil, "example.com.", dns.ClassINET, dns.TypeA)
	require.NoError(t, err)

	rr, err := dns.NewRR("example.com. 300 IN A 192.0.2.1")
	require.NoError(t, err)
	resp := new(dns.Msg)
	resp.Answer = []dns.RR{rr}
	bag.InPacket = resp
	bag.Extra[RankKey] = cache.RankSecure

	cl.Consume(context.Background(), bag)

	txn, err := c.TxnBegin(true)
	require.NoError(t, err)
	defer txn.Abort()
	rank, ok := txn.PeekRank(cache.TagRR, q.Name, dns.TypeA, cl.Now())
	require.True(t, ok)
	require.Equal(t, cache.RankSecure, rank)
}
