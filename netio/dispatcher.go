package netio

import (
	"net"
	"time"

	"github.com/quietloop/dnscore/metrics"
	"github.com/quietloop/dnscore/pipeline"
	"github.com/quietloop/dnscore/worker"
)

// Dispatcher bridges worker.Loop's OutboundSends to real UDP sockets and
// feeds inbound datagrams back into the engine (via the Loop) as Delivers
// (§4.5, §6). All access to the underlying worker.Engine goes through Loop,
// which serializes it onto a single goroutine (§5).
//
// One Dispatcher owns one UDP source port; TCP fallback sends are made as
// one-shot connections via Dial rather than through this socket.
type Dispatcher struct {
	Loop *worker.Loop
	udp  *UDPEndpoint
}

// NewDispatcher wires loop to a UDP socket bound at localAddr. stats (may
// be nil) is attached to the socket so parse failures are counted dropped
// (§7).
func NewDispatcher(loop *worker.Loop, localAddr string, stats *metrics.WorkerStats) (*Dispatcher, error) {
	ep, err := ListenUDP(localAddr)
	if err != nil {
		return nil, err
	}
	ep.Stats = stats
	d := &Dispatcher{Loop: loop, udp: ep}
	ep.Handler = d.handleInbound
	return d, nil
}

// LocalAddr returns the dispatcher's bound UDP address.
func (d *Dispatcher) LocalAddr() net.Addr { return d.udp.LocalAddr() }

// Serve runs the UDP read loop; call it from its own goroutine.
func (d *Dispatcher) Serve() error { return d.udp.Serve() }

// Close releases the underlying socket.
func (d *Dispatcher) Close() error { return d.udp.Close() }

func (d *Dispatcher) handleInbound(in Inbound) {
	sock := pipeline.SockDatagram
	if in.TCP {
		sock = pipeline.SockStream
	}
	d.Flush(d.Loop.DeliverPacket(in.Source, sock, in.Packet))
}

// Flush performs every OutboundSend, using UDP for SockDatagram sends and a
// one-shot TCP dial for SockStream sends (§4.4 TCP fallback).
func (d *Dispatcher) Flush(sends []worker.OutboundSend) {
	for _, s := range sends {
		d.send(s)
	}
}

func (d *Dispatcher) send(s worker.OutboundSend) {
	for _, a := range s.Addrs {
		switch a := a.(type) {
		case *net.UDPAddr:
			_ = d.udp.WriteTo(s.Packet, a)
		case *net.TCPAddr:
			resp, err := Dial(a, s.Packet)
			if err == nil {
				d.Flush(d.Loop.DeliverPacket(a, pipeline.SockStream, resp))
			}
		}
	}
}

// Run ticks the engine's retransmit/timeout timers at interval until done is
// closed, flushing whatever sends each Tick produces (§4.5).
func (d *Dispatcher) Run(done <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-t.C:
			d.Flush(d.Loop.Tick(now))
		}
	}
}
