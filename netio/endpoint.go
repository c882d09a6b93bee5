// Package netio implements the network endpoints (C6, §4.5/§6): UDP
// datagram sockets and TCP listeners/connections used to send queries to
// upstream nameservers and receive answers, with RFC 1035 two-byte length
// framing over TCP.
//
// Grounded on the teacher's use of net.ListenPacket for its test server
// (server_test.go) and dns.Client/dns.Server for wire (de)serialization,
// generalized here into a non-blocking listen/read-loop pair the worker
// engine's cooperative scheduler can drive instead of blocking per call.
package netio

import (
	"context"
	"errors"
	"net"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/metrics"
	"github.com/quietloop/dnscore/wire"
)

// Backlog is the TCP listen backlog figure (§6). ListenTCP does not pass it
// to the listener; the platform's default backlog applies.
const Backlog = 16

// MaxUDPSize is the largest UDP datagram this package will read.
const MaxUDPSize = 65535

// Inbound is one received, parsed DNS message.
type Inbound struct {
	Source net.Addr
	Local  net.Addr
	Packet *dns.Msg
	TCP    bool

	// Reply sends m back to whoever sent this Inbound, over the same
	// socket (UDP) or the same connection (TCP) it arrived on.
	Reply func(m *dns.Msg) error
}

// UDPEndpoint owns one UDP socket, delivering parsed inbound messages to
// Handler and exposing WriteTo for outbound sends.
type UDPEndpoint struct {
	conn    *net.UDPConn
	Stats   *metrics.WorkerStats
	Handler func(Inbound)
}

// ListenUDP binds a UDP socket at addr with SO_REUSEADDR set, and
// IPV6_V6ONLY when addr is an IPv6 address (§4.6, §6).
func ListenUDP(addr string) (*UDPEndpoint, error) {
	lc := net.ListenConfig{Control: controlReuseAddrV6Only(isIPv6Addr(addr))}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPEndpoint{conn: pc.(*net.UDPConn)}, nil
}

// isIPv6Addr reports whether addr's host parses as an IPv6 literal, used to
// decide whether a listener needs IPV6_V6ONLY (§4.6).
func isIPv6Addr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

// LocalAddr returns the endpoint's bound address.
func (e *UDPEndpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Close releases the socket.
func (e *UDPEndpoint) Close() error { return e.conn.Close() }

// Serve reads datagrams until the socket is closed, parsing each as a DNS
// message and invoking Handler. Malformed datagrams are dropped without a
// reply and counted in Stats.Dropped (when Stats is set), matching the
// teacher's server loop's tolerance of garbage input.
func (e *UDPEndpoint) Serve() error {
	buf := make([]byte, MaxUDPSize)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		m := new(dns.Msg)
		if err := m.Unpack(buf[:n]); err != nil {
			if e.Stats != nil {
				e.Stats.Dropped.Inc()
			}
			continue
		}
		if e.Handler != nil {
			replyTo := addr
			e.Handler(Inbound{
				Source: addr,
				Local:  e.conn.LocalAddr(),
				Packet: m,
				Reply:  func(reply *dns.Msg) error { return e.WriteTo(reply, replyTo) },
			})
		}
	}
}

// WriteTo packs m and sends it to addr.
func (e *UDPEndpoint) WriteTo(m *dns.Msg, addr *net.UDPAddr) error {
	packed, err := m.Pack()
	if err != nil {
		return err
	}
	_, err = e.conn.WriteToUDP(packed, addr)
	return err
}

// TCPEndpoint owns a TCP listener, accepting connections and framing
// messages with the two-byte RFC 1035 length prefix (§6).
type TCPEndpoint struct {
	ln      *net.TCPListener
	Stats   *metrics.WorkerStats
	Handler func(Inbound)
}

// ListenTCP binds a TCP listener at addr with SO_REUSEADDR, and
// IPV6_V6ONLY when addr is an IPv6 address (§4.6, §6). The listen backlog
// is the platform default, not Backlog.
func ListenTCP(addr string) (*TCPEndpoint, error) {
	lc := net.ListenConfig{Control: controlReuseAddrV6Only(isIPv6Addr(addr))}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPEndpoint{ln: ln.(*net.TCPListener)}, nil
}

// LocalAddr returns the endpoint's bound address.
func (e *TCPEndpoint) LocalAddr() net.Addr { return e.ln.Addr() }

// Close releases the listener.
func (e *TCPEndpoint) Close() error { return e.ln.Close() }

// Serve accepts connections until the listener is closed, serving each on
// its own goroutine (bounded in practice by per-task timeouts, not by this
// package).
func (e *TCPEndpoint) Serve() error {
	for {
		conn, err := e.ln.AcceptTCP()
		if err != nil {
			return err
		}
		go e.serveConn(conn)
	}
}

func (e *TCPEndpoint) serveConn(conn *net.TCPConn) {
	defer conn.Close()
	for {
		m, err := readTCPMessage(conn)
		if err != nil {
			if err == errUnpack && e.Stats != nil {
				e.Stats.Dropped.Inc()
			}
			return
		}
		if e.Handler != nil {
			e.Handler(Inbound{
				Source: conn.RemoteAddr(),
				Local:  conn.LocalAddr(),
				Packet: m,
				TCP:    true,
				Reply: func(reply *dns.Msg) error {
					packed, err := reply.Pack()
					if err != nil {
						return err
					}
					return wire.WriteTCP(conn, packed)
				},
			})
		}
	}
}

// errUnpack marks a message whose length-prefixed bytes were read fully but
// failed to parse as DNS wire format, distinct from a connection-level I/O
// error, so callers can count it as dropped (§7) rather than just closing
// quietly.
var errUnpack = errors.New("netio: malformed DNS message")

func readTCPMessage(conn *net.TCPConn) (*dns.Msg, error) {
	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := int(lenBuf[0])<<8 | int(lenBuf[1])
	buf := make([]byte, size)
	if _, err := readFull(conn, buf); err != nil {
		return nil, err
	}
	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, errUnpack
	}
	return m, nil
}

func readFull(conn *net.TCPConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Dial opens a new TCP connection to addr and writes m framed with the
// length prefix, for one-shot outbound TCP queries (§4.4 "TCP fallback").
func Dial(addr *net.TCPAddr, m *dns.Msg) (*dns.Msg, error) {
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	packed, err := m.Pack()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteTCP(conn, packed); err != nil {
		return nil, err
	}
	return readTCPMessage(conn)
}
