package worker

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/quietloop/dnscore/iterator"
	"github.com/quietloop/dnscore/pipeline"
)

func newTestEngine() *Engine {
	p := pipeline.New(iterator.NewIteratorLayer(0))
	return NewEngine(p, nil)
}

func TestSubmitProducesOutboundSend(t *testing.T) {
	e := newTestEngine()

	task, sends, err := e.Submit(dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, nil)
	require.NoError(t, err)
	require.Len(t, sends, 1)
	require.Equal(t, StateWaitingIO, task.State)
	require.True(t, task.isLeader)
}

func TestSecondIdenticalSubmitBecomesFollower(t *testing.T) {
	e := newTestEngine()

	leader, sends1, err := e.Submit(dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, nil)
	require.NoError(t, err)
	require.Len(t, sends1, 1)

	follower, sends2, err := e.Submit(dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, nil)
	require.NoError(t, err)
	require.Empty(t, sends2, "a coalesced follower must not trigger a second send")
	require.Equal(t, StateSuspendedAsFollower, follower.State)
	require.Same(t, leader, follower.leader)
}

func TestTickRetransmitsThenTimesOut(t *testing.T) {
	e := newTestEngine()

	_, sends, err := e.Submit(dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, nil)
	require.NoError(t, err)
	require.Len(t, sends, 1)

	base := time.Now()

	retransmits := e.Tick(base.Add(RetransmitInterval + time.Millisecond))
	require.Len(t, retransmits, 1, "should retransmit once the interval has elapsed")

	timedOut := e.Tick(base.Add(Timeout + time.Millisecond))
	require.NotEmpty(t, timedOut, "a new election should produce a fresh send after timing out the first nameserver")
}

func TestDeliverResumesLeaderAndFollower(t *testing.T) {
	var done []pipeline.State
	e := newTestEngine()

	onDone := func(_ *Task, final pipeline.State) { done = append(done, final) }

	_, _, err := e.Submit(dns.Question{Name: "example.com.", Qtype: dns.TypeNS, Qclass: dns.ClassINET}, onDone)
	require.NoError(t, err)

	_, sends2, err := e.Submit(dns.Question{Name: "example.com.", Qtype: dns.TypeNS, Qclass: dns.ClassINET}, onDone)
	require.NoError(t, err)
	require.Empty(t, sends2)

	require.Len(t, e.outstanding, 1)
	var fp Fingerprint
	for k := range e.outstanding {
		fp = k
	}

	resp := new(dns.Msg)
	resp.SetQuestion("example.com.", dns.TypeNS)
	resp.Rcode = dns.RcodeNameError

	e.Deliver(fp, nil, resp)

	require.Len(t, done, 2, "both the leader and the coalesced follower must complete")
}
