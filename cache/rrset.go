package cache

import (
	"github.com/miekg/dns"
)

// RRSet is the tuple (owner name, class, type, ttl, rdata) described in §3.
// RRSets are immutable once produced by the iterator; Materialize clones a
// fresh RRSet with TTLs adjusted for elapsed time.
type RRSet struct {
	Owner string
	Class uint16
	Type  uint16
	TTL   uint32
	RRs   []dns.RR
}

// computeTTL sets TTL to the maximum TTL among rr, per §4.1's insert
// contract ("header.ttl = max(rdata_ttl[i])").
func (s *RRSet) computeTTL() {
	var max uint32
	for _, rr := range s.RRs {
		if t := rr.Header().Ttl; t > max {
			max = t
		}
	}
	s.TTL = max
}

// Materialize clones src, dropping records whose TTL <= drift and
// subtracting drift from the TTL of the remaining records (§4.1,
// §8 property 2). An empty result is a valid, non-error RRSet.
func Materialize(src RRSet, drift uint32) RRSet {
	dst := RRSet{
		Owner: src.Owner,
		Class: src.Class,
		Type:  src.Type,
	}

	for _, rr := range src.RRs {
		ttl := rr.Header().Ttl
		if ttl <= drift {
			continue
		}

		clone := dns.Copy(rr)
		clone.Header().Ttl = ttl - drift
		dst.RRs = append(dst.RRs, clone)
	}

	dst.computeTTL()
	return dst
}
