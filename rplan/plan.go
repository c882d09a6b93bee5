// Package rplan implements the resolution plan (C2, §4.2): the stack of
// outstanding sub-queries for a single client request, their parent/child
// relation, and the per-query zone cut.
//
// It is grounded on the teacher's addressIterator/queryIterator recursion
// in classmarkets-go-dns-resolver's addriter.go, generalized from an
// implicit call-stack recursion into an explicit plan so that the worker
// engine (C5) can suspend and resume a request across I/O.
package rplan

import (
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/rerr"
)

// Flags on a Query (§3).
type Flags uint16

const (
	FlagAwaitAddr Flags = 1 << iota
	FlagTCP
	FlagNoCache
	FlagNoThrottle
	FlagResolved
	FlagNeedsValidation
)

// Cut is the zone cut a query is being resolved against: the owner of the
// delegation, its DNSKEY set (when known) and its NS set with addresses.
type Cut struct {
	Owner   string
	DNSKEY  []dns.RR
	NS      []string          // nameserver names
	Addrs   map[string][]string // nameserver name -> addresses
	Invalid map[string]bool     // nameservers ruled out this request
}

// NewCut returns an empty zone cut rooted at owner.
func NewCut(owner string) Cut {
	return Cut{
		Owner:   owner,
		Addrs:   map[string][]string{},
		Invalid: map[string]bool{},
	}
}

// Query is a single node in the resolution plan (§3).
type Query struct {
	Name  string
	Class uint16
	Type  uint16
	Flags Flags

	Parent *Query

	ElectedNS   string
	ElectedAddr string
	Cut         Cut

	Created time.Time

	// Secret is this query's 0x20-case-randomization secret, minted by the
	// iterator layer on first Produce. It is not part of the worker's
	// coalescing Fingerprint.
	Secret uint64

	next, prev *Query // intrusive list links, used by Plan
	inPending  bool
}

// Triple is the (name, class, type) tuple used for loop detection.
type Triple struct {
	Name  string
	Class uint16
	Type  uint16
}

func (q *Query) triple() Triple {
	return Triple{Name: strings.ToLower(q.Name), Class: q.Class, Type: q.Type}
}

// Satisfies walks the ancestor chain starting at q and reports whether any
// ancestor's sought triple matches (name, class, type) (§4.2, §8 property
// 4). It is also exported as a free function for documentation parity with
// spec §4.2's `satisfies(ancestor_chain, name, class, type)`.
func Satisfies(from *Query, name string, class, rrtype uint16) bool {
	want := Triple{Name: strings.ToLower(dns.Fqdn(name)), Class: class, Type: rrtype}
	for q := from; q != nil; q = q.Parent {
		if q.triple() == want {
			return true
		}
	}
	return false
}

// Plan is the two-queue resolution plan for one client request (§3, §4.2).
type Plan struct {
	pendingHead, pendingTail *Query
	resolvedHead, resolvedTail *Query

	root   *Query
	pushes int
}

// IterLimit bounds the number of pushes allowed for a single request
// (§4.2 I-RP3, enforced by the iterator, not by Plan itself; Plan only
// counts).
const IterLimit = 50

// New returns an empty Plan.
func New() *Plan { return &Plan{} }

// Pushes returns how many queries have been pushed so far.
func (p *Plan) Pushes() int { return p.pushes }

// Push allocates a query under parent, lowercases and copies name, links
// it to parent, and appends it to the pending queue's tail (§4.2).
//
// Per I-RP2, Push fails with rerr.ELoop if parent's ancestor chain already
// satisfies (name, class, rrtype).
func (p *Plan) Push(parent *Query, name string, class, rrtype uint16) (*Query, error) {
	fqdn := dns.Fqdn(strings.ToLower(name))

	if parent != nil && Satisfies(parent, fqdn, class, rrtype) {
		return nil, rerr.Wrap(rerr.ELoop, "resolution plan loop", rerr.ErrCircular)
	}

	q := &Query{
		Name:    fqdn,
		Class:   class,
		Type:    rrtype,
		Parent:  parent,
		Cut:     NewCut("."),
		Created: time.Now(),
	}

	p.appendPending(q)
	p.pushes++
	if parent == nil && p.root == nil {
		p.root = q
	}

	return q, nil
}

// Root returns the request's original top-level query (the one pushed with
// a nil parent), or nil for a Plan nothing has been pushed onto yet. Used
// to look up request-wide flags such as FlagNoThrottle that are decided
// once, at admission, rather than per sub-query (§4.5 "Throttling").
func (p *Plan) Root() *Query { return p.root }

func (p *Plan) appendPending(q *Query) {
	q.inPending = true
	q.prev = p.pendingTail
	q.next = nil
	if p.pendingTail != nil {
		p.pendingTail.next = q
	} else {
		p.pendingHead = q
	}
	p.pendingTail = q
}

func (p *Plan) unlinkPending(q *Query) {
	if q.prev != nil {
		q.prev.next = q.next
	} else {
		p.pendingHead = q.next
	}
	if q.next != nil {
		q.next.prev = q.prev
	} else {
		p.pendingTail = q.prev
	}
	q.prev, q.next = nil, nil
	q.inPending = false
}

func (p *Plan) appendResolved(q *Query) {
	q.prev = p.resolvedTail
	q.next = nil
	if p.resolvedTail != nil {
		p.resolvedTail.next = q
	} else {
		p.resolvedHead = q
	}
	p.resolvedTail = q
}

// Pop unlinks query from pending and appends it to resolved (§4.2).
func (p *Plan) Pop(q *Query) {
	if q.inPending {
		p.unlinkPending(q)
	}
	p.appendResolved(q)
}

// Current returns the tail of the pending queue (the query currently being
// worked on), or nil if pending is empty.
func (p *Plan) Current() *Query { return p.pendingTail }

// Resolved returns the tail of the resolved queue, or nil if empty.
func (p *Plan) Resolved() *Query { return p.resolvedTail }

// Empty reports whether the pending queue has drained.
func (p *Plan) Empty() bool { return p.pendingTail == nil }
