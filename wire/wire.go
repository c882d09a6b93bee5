// Package wire collects small DNS wire-format helpers shared by the
// iterator and worker packages: 0x20-case randomization, EDNS(0) payload
// sizing, and TCP length-prefix framing (§6).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/miekg/dns"
)

// MinUDPPayload and DefaultUDPPayload implement §6's EDNS sizing rule:
// "answer size = max(advertised payload, 512); outgoing buffer =
// max(configured EDNS payload, 4096)".
const (
	MinUDPPayload     = 512
	DefaultUDPPayload = 4096
)

// AnswerPayloadSize returns the size to use when sizing an answer to a
// client that advertised an EDNS(0) buffer size of advertised bytes (0 if
// the client sent no OPT record).
func AnswerPayloadSize(advertised uint16) int {
	if int(advertised) > MinUDPPayload {
		return int(advertised)
	}
	return MinUDPPayload
}

// OutgoingPayloadSize returns the EDNS(0) buffer size to advertise on
// sub-queries sent upstream.
func OutgoingPayloadSize(configured uint16) int {
	if int(configured) > DefaultUDPPayload {
		return int(configured)
	}
	return DefaultUDPPayload
}

// SetEDNS0 attaches an OPT record advertising size to m, replacing any
// existing one.
func SetEDNS0(m *dns.Msg, size int, doBit bool) {
	m.Extra = removeOPT(m.Extra)
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.SetUDPSize(uint16(size))
	opt.SetDo(doBit)
	m.Extra = append(m.Extra, opt)
}

func removeOPT(rrs []dns.RR) []dns.RR {
	out := rrs[:0]
	for _, rr := range rrs {
		if rr.Header().Rrtype != dns.TypeOPT {
			out = append(out, rr)
		}
	}
	return out
}

// RandomizeCase returns name with a subset of its alphabetic characters
// upper-cased according to secret, implementing 0x20-case randomization
// (GLOSSARY). secret is a per-query random value; each distinct secret
// produces a different (deterministic, for retransmits) casing.
func RandomizeCase(name string, secret uint64) string {
	var b strings.Builder
	b.Grow(len(name))

	bit := secret
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			if bit&1 == 1 {
				c -= 'a' - 'A'
			}
			bit >>= 1
			if bit == 0 {
				bit = secret | 1
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// NewSecret returns a fresh random 0x20 secret. Per §9's resolved open
// question, each follower mints its own secret rather than reusing the
// leader's.
func NewSecret() uint64 {
	return rand.Uint64() | 1
}

// WriteTCP writes packed as a length-prefixed TCP DNS message: [len16, wire]
// (§4.5, §6 RFC 1035 framing).
func WriteTCP(w io.Writer, packed []byte) error {
	if len(packed) > 65535 {
		return fmt.Errorf("wire: message too large for TCP framing: %d bytes", len(packed))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(packed)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(packed)
	return err
}
