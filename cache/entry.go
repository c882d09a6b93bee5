package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

// entryVersion is bumped whenever the encoded Entry layout changes
// incompatibly; it is distinct from the store-wide version tag in cache.go.
const entryVersion = 1

// Header carries the per-entry metadata described in §3: absolute creation
// timestamp, maximum TTL, record count, rank and flags.
type Header struct {
	Timestamp int64 // seconds, absolute
	TTL       uint32
	Count     uint16
	Rank      Rank
	Flags     byte
}

// Entry is a stored, header-tagged RRSet.
type Entry struct {
	Header Header
	RRSet  RRSet
}

// encode serializes an Entry to bytes for the KV backend. Records are
// serialized via dns.RR.String()/dns.NewRR, mirroring the corpus's own
// name-record persistence idiom rather than hand-rolling wire packing.
func encodeEntry(e *Entry) []byte {
	var buf bytes.Buffer
	buf.WriteByte(entryVersion)

	var hdr [1 + 8 + 4 + 2]byte
	hdr[0] = byte(e.Header.Rank)
	binary.BigEndian.PutUint64(hdr[1:9], uint64(e.Header.Timestamp))
	binary.BigEndian.PutUint32(hdr[9:13], e.Header.TTL)
	binary.BigEndian.PutUint16(hdr[13:15], e.Header.Count)
	buf.Write(hdr[:])
	buf.WriteByte(e.Header.Flags)

	for _, rr := range e.RRSet.RRs {
		s := rr.String()
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf.Write(lenBuf[:])
		buf.WriteString(s)
	}

	return buf.Bytes()
}

func decodeEntry(owner string, class, rrtype uint16, b []byte) (*Entry, error) {
	if len(b) < 1 || b[0] != entryVersion {
		return nil, fmt.Errorf("cache: unsupported entry encoding version")
	}
	b = b[1:]
	if len(b) < 16 {
		return nil, fmt.Errorf("cache: truncated entry header")
	}

	e := &Entry{
		RRSet: RRSet{Owner: owner, Class: class, Type: rrtype},
	}
	e.Header.Rank = Rank(b[0])
	e.Header.Timestamp = int64(binary.BigEndian.Uint64(b[1:9]))
	e.Header.TTL = binary.BigEndian.Uint32(b[9:13])
	e.Header.Count = binary.BigEndian.Uint16(b[13:15])
	e.Header.Flags = b[15]
	b = b[16:]

	for i := 0; i < int(e.Header.Count); i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("cache: truncated entry record length")
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < n {
			return nil, fmt.Errorf("cache: truncated entry record")
		}
		s := string(b[:n])
		b = b[n:]

		rr, err := dns.NewRR(s)
		if err != nil {
			return nil, fmt.Errorf("cache: decode record %q: %w", s, err)
		}
		e.RRSet.RRs = append(e.RRSet.RRs, rr)
	}
	e.RRSet.TTL = e.Header.TTL

	return e, nil
}
