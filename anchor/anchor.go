// Package anchor implements the trust-anchor store (C7, §4's trust anchor
// material) and its RFC 5011 automated-update state machine.
//
// Grounded on the DS/DNSKEY verification idioms in semihalev-sdns's
// middleware/resolver (dnskey.ToDS, DNSKEY.KeyTag, SEP-bit flag checks),
// adapted from a one-shot "verify root keys or panic" check into a
// persistent, testable per-key state machine.
package anchor

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// KeyState is a trust anchor key's position in the RFC 5011 state machine.
type KeyState int

const (
	Start KeyState = iota
	AddPend
	Valid
	Missing
	Revoked
	Removed
)

func (s KeyState) String() string {
	switch s {
	case Start:
		return "START"
	case AddPend:
		return "ADD_PEND"
	case Valid:
		return "VALID"
	case Missing:
		return "MISSING"
	case Revoked:
		return "REVOKED"
	case Removed:
		return "REMOVED"
	default:
		return "?"
	}
}

// HoldDown is the RFC 5011 hold-down time a newly observed key must survive
// in ADD_PEND before it is promoted to VALID (RFC 5011 recommends 30 days).
const HoldDown = 30 * 24 * time.Hour

// Key is one DNSKEY tracked by the trust anchor store for a zone, along
// with its RFC 5011 lifecycle state.
type Key struct {
	DNSKEY    *dns.DNSKEY
	State     KeyState
	FirstSeen time.Time
	Revision  time.Time
}

// KeyTag is a convenience accessor.
func (k *Key) KeyTag() uint16 { return k.DNSKEY.KeyTag() }

// DS returns the delegation-signer record for k using digest algorithm.
func (k *Key) DS(digest uint8) *dns.DS { return k.DNSKEY.ToDS(digest) }

// Store is the trust-anchor store: one configured anchor per zone, plus
// whatever additional keys RFC 5011 tracking has observed for it.
type Store struct {
	mu    sync.RWMutex
	zones map[string][]*Key
}

// New returns an empty trust-anchor store.
func New() *Store {
	return &Store{zones: map[string][]*Key{}}
}

// Add installs key as a configured (Valid from the start) trust anchor for
// zone.
func (s *Store) Add(zone string, key *dns.DNSKEY, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zone = dns.Fqdn(zone)
	s.zones[zone] = append(s.zones[zone], &Key{DNSKEY: key, State: Valid, FirstSeen: now, Revision: now})
}

// Get returns every tracked key for zone, in any state.
func (s *Store) Get(zone string) []*Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.zones[dns.Fqdn(zone)]
	out := make([]*Key, len(keys))
	copy(out, keys)
	return out
}

// Covers reports whether zone has at least one VALID trust anchor key,
// i.e. whether DNSSEC validation can be attempted for it at all.
func (s *Store) Covers(zone string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.zones[dns.Fqdn(zone)] {
		if k.State == Valid {
			return true
		}
	}
	return false
}

// Del removes every tracked key for zone.
func (s *Store) Del(zone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.zones, dns.Fqdn(zone))
}

// Clear empties the entire store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones = map[string][]*Key{}
}

// Update runs one RFC 5011 update step for zone against the DNSKEY RRset
// just fetched and SEP-validated against the zone's current VALID keys
// (validSig reports whether seen is self-signed by an already-VALID key).
// It implements the core state transitions of RFC 5011 §4.2:
//
//   - a key tagged SEP not currently tracked starts at START and is
//     immediately promoted to ADD_PEND once it is seen signed by a VALID
//     key (the "AddHoldDown" timer, here HoldDown, then starts)
//   - an ADD_PEND key seen continuously for >= HoldDown is promoted VALID
//   - a VALID key no longer present in seen is marked MISSING (rather than
//     removed outright, to tolerate transient omissions)
//   - a VALID key present in seen with its REVOKE bit set is marked
//     REVOKED and no longer trusted; a REVOKED key held for a further
//     HoldDown is REMOVED
//   - a MISSING key absent for a further HoldDown is REMOVED
//   - an ADD_PEND key that disappears from seen before ever reaching
//     VALID is REMOVED immediately, with no hold-down
func (s *Store) Update(zone string, seen []*dns.DNSKEY, validSig bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zone = dns.Fqdn(zone)

	// Keyed by public key material rather than KeyTag: revoking a key
	// flips its REVOKE bit, which changes the RDATA and so the key tag
	// (RFC 5011 §5.1 calls this out explicitly) -- tracking by the public
	// key itself is what lets Update recognize "this is the same key,
	// now revoked" instead of mistaking it for an unrelated new key.
	byMaterial := map[string]*dns.DNSKEY{}
	for _, dk := range seen {
		if isSEP(dk) {
			byMaterial[dk.PublicKey] = dk
		}
	}

	existing := s.zones[zone]
	tracked := map[string]*Key{}
	for _, k := range existing {
		tracked[k.DNSKEY.PublicKey] = k
	}

	for material, dk := range byMaterial {
		k, ok := tracked[material]
		if !ok {
			k = &Key{DNSKEY: dk, State: Start, FirstSeen: now}
			existing = append(existing, k)
			tracked[material] = k
		}
		k.Revision = now

		if dk.Flags&revokeFlag != 0 {
			if k.State != Revoked {
				k.State = Revoked
				k.FirstSeen = now
			} else if now.Sub(k.FirstSeen) >= HoldDown {
				k.State = Removed
			}
			continue
		}

		switch k.State {
		case Start:
			if validSig {
				k.State = AddPend
				k.FirstSeen = now
			}
		case AddPend:
			if now.Sub(k.FirstSeen) >= HoldDown {
				k.State = Valid
			}
		case Missing:
			k.State = Valid
			k.FirstSeen = now
		}
	}

	for _, k := range existing {
		if _, stillSeen := byMaterial[k.DNSKEY.PublicKey]; stillSeen {
			continue
		}
		switch k.State {
		case Valid:
			k.State = Missing
			k.FirstSeen = now
		case Missing:
			if now.Sub(k.FirstSeen) >= HoldDown {
				k.State = Removed
			}
		case AddPend:
			// Never reached Valid; no hold-down applies to a key the
			// resolver never trusted.
			k.State = Removed
		case Revoked:
			if now.Sub(k.FirstSeen) >= HoldDown {
				k.State = Removed
			}
		}
	}

	kept := existing[:0]
	for _, k := range existing {
		if k.State != Removed {
			kept = append(kept, k)
		}
	}
	s.zones[zone] = kept
}

// revokeFlag is the RFC 5011 REVOKE bit in a DNSKEY's flags field (RFC 5011
// §3).
const revokeFlag = 1 << 7

// isSEP reports whether dk is flagged as a Secure Entry Point (bit 0 set,
// conventionally DNSKEY flags 257), the only keys RFC 5011 tracks.
func isSEP(dk *dns.DNSKEY) bool {
	return dk.Flags&1 != 0
}
