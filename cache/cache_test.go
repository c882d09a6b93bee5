package cache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func openMem(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(NewMemBackend(), nil)
	require.NoError(t, err)
	return c
}

func TestInsertPeekHit(t *testing.T) {
	c := openMem(t)
	now := time.Unix(1000, 0)

	txn, err := c.TxnBegin(false)
	require.NoError(t, err)

	rrset := RRSet{
		Owner: "example.com.",
		Class: dnsClassINET,
		Type:  dns.TypeA,
		RRs:   []dns.RR{mustRR(t, "example.com. 300 IN A 10.0.0.1")},
	}
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankAuth, 0, now, rrset))
	require.NoError(t, txn.Commit())

	txn, err = c.TxnBegin(true)
	require.NoError(t, err)
	defer txn.Abort()

	res, err := txn.Peek(TagRR, "example.com.", dns.TypeA, now.Add(100*time.Second))
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	require.Equal(t, 100*time.Second, res.Drift)
	require.Len(t, res.Entry.RRSet.RRs, 1)
}

func TestPeekExpiredIsStale(t *testing.T) {
	c := openMem(t)
	now := time.Unix(1000, 0)

	txn, _ := c.TxnBegin(false)
	rrset := RRSet{RRs: []dns.RR{mustRR(t, "example.com. 300 IN A 10.0.0.1")}}
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankAuth, 0, now, rrset))
	require.NoError(t, txn.Commit())

	txn, _ = c.TxnBegin(true)
	defer txn.Abort()
	res, err := txn.Peek(TagRR, "example.com.", dns.TypeA, now.Add(301*time.Second))
	require.Error(t, err)
	require.NotNil(t, res.Entry)
	require.True(t, res.Stale)
	require.Equal(t, RankAuth, res.Entry.Header.Rank)
}

func TestPeekMiss(t *testing.T) {
	c := openMem(t)
	txn, _ := c.TxnBegin(true)
	defer txn.Abort()

	res, err := txn.Peek(TagRR, "nowhere.example.", dns.TypeA, time.Unix(1000, 0))
	require.Error(t, err)
	require.Nil(t, res)
}

func TestRankMonotonicityBlocksDowngrade(t *testing.T) {
	c := openMem(t)
	now := time.Unix(1000, 0)

	txn, _ := c.TxnBegin(false)
	secure := RRSet{RRs: []dns.RR{mustRR(t, "example.com. 300 IN A 10.0.0.1")}}
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankSecure, 0, now, secure))
	require.NoError(t, txn.Commit())

	txn, _ = c.TxnBegin(false)
	insecure := RRSet{RRs: []dns.RR{mustRR(t, "example.com. 300 IN A 10.0.0.2")}}
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankInsecure, 0, now.Add(10*time.Second), insecure))
	require.NoError(t, txn.Commit())

	txn, _ = c.TxnBegin(true)
	defer txn.Abort()
	res, err := txn.Peek(TagRR, "example.com.", dns.TypeA, now.Add(20*time.Second))
	require.NoError(t, err)
	require.Equal(t, RankSecure, res.Entry.Header.Rank)
	require.Equal(t, "10.0.0.1", res.Entry.RRSet.RRs[0].(*dns.A).A.String())
}

func TestRankUpgradeAllowed(t *testing.T) {
	c := openMem(t)
	now := time.Unix(1000, 0)

	txn, _ := c.TxnBegin(false)
	insecure := RRSet{RRs: []dns.RR{mustRR(t, "example.com. 300 IN A 10.0.0.1")}}
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankInsecure, 0, now, insecure))
	require.NoError(t, txn.Commit())

	txn, _ = c.TxnBegin(false)
	secure := RRSet{RRs: []dns.RR{mustRR(t, "example.com. 300 IN A 10.0.0.2")}}
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankSecure, 0, now.Add(10*time.Second), secure))
	require.NoError(t, txn.Commit())

	txn, _ = c.TxnBegin(true)
	defer txn.Abort()
	res, err := txn.Peek(TagRR, "example.com.", dns.TypeA, now.Add(20*time.Second))
	require.NoError(t, err)
	require.Equal(t, RankSecure, res.Entry.Header.Rank)
}

func TestExpiredEntryAlwaysOverwritten(t *testing.T) {
	c := openMem(t)
	now := time.Unix(1000, 0)

	txn, _ := c.TxnBegin(false)
	secure := RRSet{RRs: []dns.RR{mustRR(t, "example.com. 5 IN A 10.0.0.1")}}
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankSecure, 0, now, secure))
	require.NoError(t, txn.Commit())

	later := now.Add(time.Hour)
	txn, _ = c.TxnBegin(false)
	insecure := RRSet{RRs: []dns.RR{mustRR(t, "example.com. 300 IN A 10.0.0.2")}}
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankInsecure, 0, later, insecure))
	require.NoError(t, txn.Commit())

	txn, _ = c.TxnBegin(true)
	defer txn.Abort()
	res, err := txn.Peek(TagRR, "example.com.", dns.TypeA, later.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, RankInsecure, res.Entry.Header.Rank)
}

func TestEmptyRRSetInsertIsNoop(t *testing.T) {
	c := openMem(t)
	txn, _ := c.TxnBegin(false)
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankAuth, 0, time.Unix(0, 0), RRSet{}))
	require.NoError(t, txn.Commit())

	txn, _ = c.TxnBegin(true)
	defer txn.Abort()
	_, err := txn.Peek(TagRR, "example.com.", dns.TypeA, time.Unix(0, 0))
	require.Error(t, err)
}

func TestMaterializeDropsExpiredAndShiftsTTL(t *testing.T) {
	src := RRSet{
		Owner: "example.com.",
		RRs: []dns.RR{
			mustRR(t, "example.com. 300 IN A 10.0.0.1"),
			mustRR(t, "example.com. 5 IN A 10.0.0.2"),
		},
	}

	dst := Materialize(src, 10)
	require.Len(t, dst.RRs, 1)
	require.EqualValues(t, 290, dst.RRs[0].Header().Ttl)
}

func TestLabelReverseRoundTrip(t *testing.T) {
	names := []string{"example.com.", "a.b.example.", ".", "www.example.co.uk."}
	for _, n := range names {
		enc := labelReverse(n)
		got, err := labelUnreverse(enc)
		require.NoError(t, err)
		require.Equal(t, dns.Fqdn(n), got)
	}
}

func TestVersionMismatchClearsNonEmptyStore(t *testing.T) {
	backend := NewMemBackend()
	c, err := Open(backend, nil)
	require.NoError(t, err)

	txn, _ := c.TxnBegin(false)
	rrset := RRSet{RRs: []dns.RR{mustRR(t, "example.com. 300 IN A 10.0.0.1")}}
	require.NoError(t, txn.Insert(TagRR, "example.com.", dns.TypeA, RankAuth, 0, time.Unix(1, 0), rrset))
	require.NoError(t, txn.Commit())

	// Simulate an old-version store by overwriting the version key directly.
	wtxn, _ := backend.Begin(true)
	require.NoError(t, wtxn.Put(versionKey, []byte("V\x01")))
	require.NoError(t, wtxn.Commit())

	c2, err := Open(backend, nil)
	require.NoError(t, err)

	rtxn, _ := c2.TxnBegin(true)
	defer rtxn.Abort()
	_, err = rtxn.Peek(TagRR, "example.com.", dns.TypeA, time.Unix(1, 0))
	require.Error(t, err, "version mismatch must clear the store")
}
