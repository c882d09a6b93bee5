package cache

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Tag enumerates the cache's key namespaces (§3).
type Tag byte

const (
	TagRR        Tag = 0x01 // resource-record
	TagPacket    Tag = 0x02 // full packet
	TagSignature Tag = 0x03 // signature (RRSIG) set
	TagUserBase  Tag = 0x80 // user-extended tags start here
)

// key returns the encoded key `tag(1) || label-reverse(name) || rrtype(2)`.
func key(tag Tag, name string, rrtype uint16) []byte {
	rev := labelReverse(name)
	out := make([]byte, 1+len(rev)+2)
	out[0] = byte(tag)
	copy(out[1:], rev)
	binary.BigEndian.PutUint16(out[1+len(rev):], rrtype)
	return out
}

// labelReverse writes name's labels root-first (then TLD, then subdomains)
// so that prefix ordering of the underlying KV yields zone locality. Each
// label is stored length-prefixed; labelUnreverse is its exact inverse.
func labelReverse(name string) []byte {
	labels := dns.SplitDomainName(dns.Fqdn(strings.ToLower(name)))

	var out []byte
	for i := len(labels) - 1; i >= 0; i-- {
		l := labels[i]
		if len(l) > 255 {
			l = l[:255]
		}
		out = append(out, byte(len(l)))
		out = append(out, l...)
	}
	// terminating zero-length label marks the root, mirroring wire encoding.
	out = append(out, 0)
	return out
}

// labelUnreverse decodes bytes produced by labelReverse back into a
// canonical, dot-terminated domain name. Since labelReverse lowercases,
// labelUnreverse(labelReverse(n)) == dns.Fqdn(strings.ToLower(n)) for any
// valid n.
func labelUnreverse(b []byte) (string, error) {
	var labels []string
	i := 0
	for i < len(b) {
		n := int(b[i])
		i++
		if n == 0 {
			break
		}
		if i+n > len(b) {
			return "", fmt.Errorf("labelUnreverse: truncated label")
		}
		labels = append(labels, string(b[i:i+n]))
		i += n
	}

	if len(labels) == 0 {
		return ".", nil
	}

	// labels is root-first; reverse to leaf-first and join.
	for l, r := 0, len(labels)-1; l < r; l, r = l+1, r-1 {
		labels[l], labels[r] = labels[r], labels[l]
	}
	return strings.Join(labels, ".") + ".", nil
}

// splitKey decodes a key back into its tag, owner name and rrtype.
func splitKey(k []byte) (Tag, string, uint16, error) {
	if len(k) < 3 {
		return 0, "", 0, fmt.Errorf("cache: malformed key (len=%d)", len(k))
	}
	tag := Tag(k[0])
	rrtype := binary.BigEndian.Uint16(k[len(k)-2:])
	name, err := labelUnreverse(k[1 : len(k)-2])
	if err != nil {
		return 0, "", 0, err
	}
	return tag, name, rrtype, nil
}
