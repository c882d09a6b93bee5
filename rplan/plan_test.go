package rplan

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/quietloop/dnscore/rerr"
)

func TestPushPopOrdering(t *testing.T) {
	p := New()

	root, err := p.Push(nil, "example.com.", dns.ClassINET, dns.TypeA)
	require.NoError(t, err)
	require.Equal(t, root, p.Current())

	child, err := p.Push(root, "ns1.example.com.", dns.ClassINET, dns.TypeA)
	require.NoError(t, err)
	require.Equal(t, child, p.Current())

	p.Pop(child)
	require.Equal(t, root, p.Current())
	require.Equal(t, child, p.Resolved())

	p.Pop(root)
	require.True(t, p.Empty())
	require.Equal(t, root, p.Resolved())
}

func TestPushDetectsLoop(t *testing.T) {
	p := New()

	a, err := p.Push(nil, "a.example.", dns.ClassINET, dns.TypeNS)
	require.NoError(t, err)

	_, err = p.Push(a, "a.example.", dns.ClassINET, dns.TypeNS)
	require.Error(t, err)
	require.True(t, rerr.Is(err, rerr.ELoop))
}

func TestIterationBound(t *testing.T) {
	p := New()
	var last *Query
	for i := 0; i < IterLimit; i++ {
		q, err := p.Push(last, "level.example.", dns.ClassINET, dns.TypeA)
		// Every push reuses the same name but has no parent, so the loop
		// check never fires; only the count is under test here.
		require.NoError(t, err)
		p.Pop(q)
		last = nil // break the ancestor chain deliberately between iterations
		_ = q
	}
	require.Equal(t, IterLimit, p.Pushes())
}

func TestSatisfies(t *testing.T) {
	p := New()
	root, err := p.Push(nil, "example.com.", dns.ClassINET, dns.TypeNS)
	require.NoError(t, err)

	require.True(t, Satisfies(root, "example.com.", dns.ClassINET, dns.TypeNS))
	require.False(t, Satisfies(root, "example.com.", dns.ClassINET, dns.TypeA))
}
