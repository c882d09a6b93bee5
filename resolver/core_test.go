package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/quietloop/dnscore/cache"
	"github.com/quietloop/dnscore/config"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := config.Default()
	cfg.Listen.UDP = "127.0.0.1:0"
	cfg.Listen.TCP = "127.0.0.1:0"

	core, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })
	return core
}

func TestNewBindsEphemeralListeners(t *testing.T) {
	core := newTestCore(t)
	require.NotNil(t, core.clientUDP)
	require.NotNil(t, core.clientTCP)
	require.NotEmpty(t, core.UpstreamAddr().String())
}

func TestControlLookupServesFromCache(t *testing.T) {
	core := newTestCore(t)
	ctl := NewControl(core)

	txn, err := core.Cache.TxnBegin(false)
	require.NoError(t, err)
	rr, err := dns.NewRR("example.com. 300 IN A 192.0.2.10")
	require.NoError(t, err)
	require.NoError(t, txn.Insert(cache.TagRR, "example.com.", dns.TypeA, cache.RankAuth, 0, time.Now(), cache.RRSet{
		Owner: "example.com.", Class: dns.ClassINET, Type: dns.TypeA, RRs: []dns.RR{rr},
	}))
	require.NoError(t, txn.Commit())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	answer, err := ctl.Lookup(ctx, dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	require.NoError(t, err)
	require.Len(t, answer.Answer, 1)
	require.Equal(t, dns.RcodeSuccess, answer.Rcode)
}

func TestControlClearCacheRemovesEntries(t *testing.T) {
	core := newTestCore(t)
	ctl := NewControl(core)

	txn, err := core.Cache.TxnBegin(false)
	require.NoError(t, err)
	rr, err := dns.NewRR("example.com. 300 IN A 192.0.2.10")
	require.NoError(t, err)
	require.NoError(t, txn.Insert(cache.TagRR, "example.com.", dns.TypeA, cache.RankAuth, 0, time.Now(), cache.RRSet{
		Owner: "example.com.", Class: dns.ClassINET, Type: dns.TypeA, RRs: []dns.RR{rr},
	}))
	require.NoError(t, txn.Commit())

	require.NoError(t, ctl.ClearCache())

	_, err = ctl.Peek("example.com.", dns.TypeA)
	require.Error(t, err)
}

func TestPolicyBlocklistRefusesConfiguredDomain(t *testing.T) {
	cfg := config.Default()
	cfg.Listen.UDP = "127.0.0.1:0"
	cfg.Listen.TCP = "127.0.0.1:0"
	cfg.Blocklist = []string{"blocked.example."}

	core, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })

	ctl := NewControl(core)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	answer, err := ctl.Lookup(ctx, dns.Question{Name: "tracker.blocked.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeRefused, answer.Rcode)
}
