// Package iterator implements the iterator / resolver core (C4, §4.4): the
// layer that drives the resolution plan by electing nameservers, producing
// outbound queries, consuming referrals and answers, and re-anchoring the
// zone cut.
//
// It is grounded on classmarkets-go-dns-resolver's recursive resolve loop
// (addriter.go, resolver.go, ns.go) generalized from implicit Go-stack
// recursion to the explicit rplan.Plan, and on safing-portmaster's
// service/resolver scope handling for referral/glue harvesting.
package iterator

import (
	"context"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/pipeline"
	"github.com/quietloop/dnscore/rerr"
	"github.com/quietloop/dnscore/rplan"
	"github.com/quietloop/dnscore/wire"
)

// K is the nameserver fan-out width: at most this many addresses are
// offered to the worker engine per outbound round (§4.4, §4.5).
const K = 4

// IteratorLayer drives zone-cut descent: nameserver election, referral and
// CNAME following, and glue (AWAIT_ADDR) resolution.
type IteratorLayer struct {
	pipeline.Base

	rtt *rttCache

	// EDNSPayload is the buffer size advertised on outbound sub-queries.
	EDNSPayload int
}

// NewIteratorLayer returns an IteratorLayer with a fresh RTT cache of the
// given size (0 selects a sane default).
func NewIteratorLayer(rttCacheSize int) *IteratorLayer {
	if rttCacheSize <= 0 {
		rttCacheSize = 4096
	}
	return &IteratorLayer{
		Base:        pipeline.NewBase("iterator"),
		rtt:         newRTTCache(rttCacheSize),
		EDNSPayload: wire.DefaultUDPPayload,
	}
}

// Produce elects a nameserver for the current query, harvesting glue
// addresses via a pushed AWAIT_ADDR sub-query when none is known yet, and
// otherwise builds the outbound packet (§4.4).
func (l *IteratorLayer) Produce(ctx context.Context, bag *pipeline.Bag) pipeline.State {
	q := bag.Plan.Current()
	if q == nil {
		return pipeline.NOOP
	}

	if q.Cut.Owner == "." && len(q.Cut.NS) == 0 {
		seedRootCut(&q.Cut)
	}

	ns, addr, ok := l.elect(q)
	if !ok {
		if l.needsGlue(q) {
			glueName := l.nextUnresolvedNS(q)
			if glueName == "" {
				return l.failCurrent(bag, q)
			}
			if _, err := bag.Plan.Push(q, glueName, dns.ClassINET, dns.TypeA); err != nil {
				return l.failCurrent(bag, q)
			}
			child := bag.Plan.Current()
			child.Flags |= rplan.FlagAwaitAddr
			return l.Produce(ctx, bag)
		}
		return l.failCurrent(bag, q)
	}

	q.ElectedNS = ns
	q.ElectedAddr = addr
	if q.Secret == 0 {
		q.Secret = wire.NewSecret()
	}

	msg := new(dns.Msg)
	msg.SetQuestion(wire.RandomizeCase(q.Name, q.Secret), q.Type)
	msg.RecursionDesired = false
	msg.Id = dns.Id()
	wire.SetEDNS0(msg, wire.OutgoingPayloadSize(uint16(l.EDNSPayload)), false)

	sock := pipeline.SockDatagram
	if q.Flags&rplan.FlagTCP != 0 {
		sock = pipeline.SockStream
	}

	bag.OutPacket = msg
	bag.OutAddrs = l.candidateAddrs(q, addr, sock)
	bag.OutSocket = sock

	return pipeline.PRODUCE
}

// Consume interprets a response for the current query: truncation triggers
// a TCP retry, a bad RCODE invalidates the elected nameserver and retries,
// an AWAIT_ADDR response harvests glue into the parent's cut, a CNAME chain
// pushes a follow-up query, a direct answer or NXDOMAIN terminates the
// query, a referral re-anchors the cut, and a response that is none of
// these invalidates the elected nameserver and retries (§4.4).
func (l *IteratorLayer) Consume(ctx context.Context, bag *pipeline.Bag) pipeline.State {
	q := bag.Plan.Current()
	if q == nil || bag.InPacket == nil {
		return pipeline.NOOP
	}
	resp := bag.InPacket

	if q.ElectedAddr != "" {
		l.rtt.observe(q.ElectedAddr, 0)
	}

	if resp.Truncated && q.Flags&rplan.FlagTCP == 0 {
		q.Flags |= rplan.FlagTCP
		return pipeline.PRODUCE
	}

	switch resp.Rcode {
	case dns.RcodeServerFailure, dns.RcodeRefused, dns.RcodeFormatError:
		l.invalidate(q)
		return pipeline.PRODUCE
	}

	if q.Flags&rplan.FlagAwaitAddr != 0 {
		l.harvestGlue(q, resp)
		q.Flags |= rplan.FlagResolved
		bag.Plan.Pop(q)
		return pipeline.CONSUME
	}

	if cname := findCNAME(resp, q.Name); cname != "" && q.Type != dns.TypeCNAME {
		appendAnswerRRs(bag, resp, q.Name)
		if _, err := bag.Plan.Push(q, cname, q.Class, q.Type); err != nil {
			bag.Err = err
			q.Flags |= rplan.FlagResolved
			bag.Plan.Pop(q)
			return pipeline.CONSUME
		}
		return pipeline.CONSUME
	}

	if hasDirectAnswer(resp, q.Name, q.Type) || resp.Rcode == dns.RcodeNameError {
		if q.Parent == nil {
			bag.Extra[pipeline.RcodeKey] = resp.Rcode
		}
		appendAnswerRRs(bag, resp, q.Name)
		q.Flags |= rplan.FlagResolved
		bag.Plan.Pop(q)
		return pipeline.CONSUME
	}

	if nsNames := referralNS(resp, q.Cut.Owner); len(nsNames) > 0 {
		l.reanchor(q, resp, nsNames)
		return pipeline.PRODUCE
	}

	// No usable referral or answer: treat as a dead end for this branch.
	l.invalidate(q)
	return pipeline.PRODUCE
}

func (l *IteratorLayer) failCurrent(bag *pipeline.Bag, q *rplan.Query) pipeline.State {
	bag.Err = rerr.New(rerr.NoEnt, "no reachable nameserver for "+q.Name)
	q.Flags |= rplan.FlagResolved
	bag.Plan.Pop(q)
	return pipeline.CONSUME
}

// elect picks the best-scored, not-yet-invalidated nameserver with a known
// address from q's cut (§4.4 "Nameserver election").
func (l *IteratorLayer) elect(q *rplan.Query) (ns, addr string, ok bool) {
	bestScore := -1
	for _, name := range q.Cut.NS {
		if q.Cut.Invalid[name] {
			continue
		}
		addrs := q.Cut.Addrs[name]
		if len(addrs) == 0 {
			continue
		}
		for _, a := range addrs {
			score := l.rtt.score(a)
			if bestScore == -1 || score < bestScore {
				bestScore, ns, addr, ok = score, name, a, true
			}
		}
	}
	return ns, addr, ok
}

// needsGlue reports whether q's cut has a nameserver candidate that simply
// lacks a known address (as opposed to having none at all).
func (l *IteratorLayer) needsGlue(q *rplan.Query) bool {
	return l.nextUnresolvedNS(q) != ""
}

func (l *IteratorLayer) nextUnresolvedNS(q *rplan.Query) string {
	for _, name := range q.Cut.NS {
		if q.Cut.Invalid[name] {
			continue
		}
		if len(q.Cut.Addrs[name]) == 0 {
			return name
		}
	}
	return ""
}

// PenalizeTimeout records a TIMEOUT penalty against addr's cached RTT score
// (§4.5 Timeout: "for each address actually probed, update cached RTT with
// a TIMEOUT penalty"). Called by the worker engine when a retransmit
// deadline elapses, since the engine itself holds no RTT state of its own.
func (l *IteratorLayer) PenalizeTimeout(addr string) {
	if addr != "" {
		l.rtt.penalize(addr)
	}
}

func (l *IteratorLayer) invalidate(q *rplan.Query) {
	if q.ElectedNS == "" {
		return
	}
	q.Cut.Invalid[q.ElectedNS] = true
	if q.ElectedAddr != "" {
		l.rtt.penalize(q.ElectedAddr)
	}
	q.ElectedNS, q.ElectedAddr = "", ""
}

// reanchor replaces q's cut with the delegation carried in resp, preserving
// any glue already present in the Additional section (§4.4).
func (l *IteratorLayer) reanchor(q *rplan.Query, resp *dns.Msg, nsNames []string) {
	newOwner := q.Cut.Owner
	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			newOwner = ns.Hdr.Name
			break
		}
	}

	cut := rplan.NewCut(newOwner)
	cut.NS = nsNames
	for _, name := range nsNames {
		cut.Addrs[name] = glueAddrs(resp, name)
	}
	q.Cut = cut
}

func (l *IteratorLayer) harvestGlue(q *rplan.Query, resp *dns.Msg) {
	parent := q.Parent
	if parent == nil {
		return
	}
	var addrs []string
	for _, rr := range resp.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			addrs = append(addrs, rr.A.String())
		case *dns.AAAA:
			addrs = append(addrs, rr.AAAA.String())
		}
	}
	if len(addrs) > 0 {
		parent.Cut.Addrs[strings.ToLower(q.Name)] = addrs
	}
}

func (l *IteratorLayer) candidateAddrs(q *rplan.Query, elected string, sock pipeline.SockType) []net.Addr {
	out := []net.Addr{addrFor(elected, sock)}
	for _, name := range q.Cut.NS {
		if name == q.ElectedNS || q.Cut.Invalid[name] {
			continue
		}
		for _, a := range q.Cut.Addrs[name] {
			out = append(out, addrFor(a, sock))
			if len(out) >= K {
				return out
			}
		}
	}
	return out
}

func addrFor(ip string, sock pipeline.SockType) net.Addr {
	parsed := net.ParseIP(ip)
	if sock == pipeline.SockStream {
		return &net.TCPAddr{IP: parsed, Port: 53}
	}
	return &net.UDPAddr{IP: parsed, Port: 53}
}

func findCNAME(resp *dns.Msg, owner string) string {
	owner = strings.ToLower(owner)
	for _, rr := range resp.Answer {
		if cname, ok := rr.(*dns.CNAME); ok && strings.ToLower(cname.Hdr.Name) == owner {
			return cname.Target
		}
	}
	return ""
}

func hasDirectAnswer(resp *dns.Msg, owner string, rrtype uint16) bool {
	owner = strings.ToLower(owner)
	for _, rr := range resp.Answer {
		if strings.ToLower(rr.Header().Name) == owner && rr.Header().Rrtype == rrtype {
			return true
		}
	}
	return false
}

// referralNS returns the NS names carried in resp's Authority section, when
// they delegate below owner (a genuine referral rather than e.g. an SOA
// negative-response record).
func referralNS(resp *dns.Msg, owner string) []string {
	var names []string
	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			if !dns.IsSubDomain(owner, ns.Hdr.Name) {
				continue
			}
			names = append(names, strings.ToLower(ns.Ns))
		}
	}
	return names
}

// appendAnswerRRs adds resp's Answer-section records owned by owner to the
// request's accumulated client-facing answer (§4.4: CNAME chain members
// plus the terminal record set, in resolution order).
func appendAnswerRRs(bag *pipeline.Bag, resp *dns.Msg, owner string) {
	owner = strings.ToLower(owner)
	var rrs []dns.RR
	if v, ok := bag.Extra[pipeline.AnswerKey]; ok {
		rrs, _ = v.([]dns.RR)
	}
	for _, rr := range resp.Answer {
		if strings.ToLower(rr.Header().Name) == owner {
			rrs = append(rrs, rr)
		}
	}
	bag.Extra[pipeline.AnswerKey] = rrs
}

func glueAddrs(resp *dns.Msg, name string) []string {
	var out []string
	for _, rr := range resp.Extra {
		if !strings.EqualFold(rr.Header().Name, name) {
			continue
		}
		switch rr := rr.(type) {
		case *dns.A:
			out = append(out, rr.A.String())
		case *dns.AAAA:
			out = append(out, rr.AAAA.String())
		}
	}
	return out
}
