package worker

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/iterator"
	"github.com/quietloop/dnscore/metrics"
	"github.com/quietloop/dnscore/pipeline"
	"github.com/quietloop/dnscore/rplan"
)

// fanoutK is iterator.K, the nameserver fan-out width, under a local name
// for the MAX_PENDING arithmetic below.
const fanoutK = iterator.K

// DefaultMaxPending is the MAX_PENDING fan-out bound: 1.5x the per-query
// nameserver fan-out width K (§4.5). It bounds the cumulative number of I/O
// handles (sends) a single Task may issue during one outstanding episode —
// not the number of tasks the engine runs concurrently (that is THRESHOLD,
// see DefaultThreshold).
const DefaultMaxPending = fanoutK + fanoutK/2

// DefaultThreshold is the THRESHOLD concurrency level (§4.5 "Throttling").
// Tasks admitted while fewer than DefaultThreshold tasks are outstanding run
// with rplan.FlagNoThrottle set on their root query (full MAX_PENDING I/O
// budget); tasks admitted at or above THRESHOLD run with half that budget.
const DefaultThreshold = 256

// OutboundSend is a request for the caller (the netio package) to transmit
// packet to one of addrs over socket, on behalf of task.
type OutboundSend struct {
	Task   *Task
	Addrs  []net.Addr
	Socket pipeline.SockType
	Packet *dns.Msg
}

// timeoutPenalizer is the narrow capability a pipeline layer offers so the
// worker engine can report a timed-out address without holding a direct
// reference to the iterator's RTT cache (§4.5 Timeout: "update cached RTT
// with a TIMEOUT penalty").
type timeoutPenalizer interface {
	PenalizeTimeout(addr string)
}

// Engine is the cooperative, single-threaded scheduler over many in-flight
// Tasks (§4.5). It performs no I/O itself: callers drive it with Submit,
// Deliver and Tick, and perform whatever OutboundSends it asks for.
//
// Engine itself holds no synchronization and must only ever be called from
// one goroutine at a time; Loop provides that guarantee to callers with
// multiple I/O sources (§5).
type Engine struct {
	pipeline *pipeline.Pipeline
	stats    *metrics.WorkerStats

	threshold int
	penalizer timeoutPenalizer

	tasks       map[uint64]*Task
	outstanding map[Fingerprint]*Task

	free   []*Task
	nextID uint64
}

// NewEngine returns an Engine driving requests through p. stats may be nil.
func NewEngine(p *pipeline.Pipeline, stats *metrics.WorkerStats) *Engine {
	if stats == nil {
		stats = metrics.NewWorkerStats()
	}
	e := &Engine{
		pipeline:    p,
		stats:       stats,
		threshold:   DefaultThreshold,
		tasks:       map[uint64]*Task{},
		outstanding: map[Fingerprint]*Task{},
	}
	for _, l := range p.Layers {
		if tp, ok := l.(timeoutPenalizer); ok {
			e.penalizer = tp
			break
		}
	}
	return e
}

// SetThreshold overrides THRESHOLD, the concurrency level above which new
// tasks run with a halved per-task I/O cap (§4.5 "Throttling"). n <= 0 is
// ignored.
func (e *Engine) SetThreshold(n int) {
	if n > 0 {
		e.threshold = n
	}
}

// allocTask pulls a Task from the free list or allocates a new one,
// implementing the bounded-recycling behavior described in §4.5.
func (e *Engine) allocTask() *Task {
	if n := len(e.free); n > 0 {
		t := e.free[n-1]
		e.free = e.free[:n-1]
		t.reset()
		return t
	}
	e.nextID++
	return &Task{ID: e.nextID}
}

func (e *Engine) freeTask(t *Task) {
	t.State = StateFreed
	delete(e.tasks, t.ID)
	if len(e.free) < 4096 {
		e.free = append(e.free, t)
	}
}

// ioCap returns the per-task MAX_PENDING bound for t, halved (minimum 1)
// when t was admitted at or above THRESHOLD concurrency (§4.5
// "Throttling").
func (e *Engine) ioCap(t *Task) int {
	budget := DefaultMaxPending
	if root := t.Req.Plan.Root(); root == nil || root.Flags&rplan.FlagNoThrottle == 0 {
		budget /= 2
		if budget < 1 {
			budget = 1
		}
	}
	return budget
}

// Submit begins resolving question as a new top-level Task and advances it
// as far as it can go without blocking on network I/O (§4.5). The task's
// root query is flagged FlagNoThrottle when fewer than THRESHOLD tasks are
// already outstanding, giving it the full MAX_PENDING retransmit budget
// (§4.5 "Throttling"); otherwise its budget is halved by ioCap.
func (e *Engine) Submit(question dns.Question, onDone func(*Task, pipeline.State)) (*Task, []OutboundSend, error) {
	concurrent := len(e.tasks)

	req, err := iterator.ResolveBegin(context.Background(), e.pipeline, question)
	if err != nil {
		return nil, nil, err
	}
	if root := req.Plan.Root(); root != nil && concurrent < e.threshold {
		root.Flags |= rplan.FlagNoThrottle
	}

	t := e.allocTask()
	t.State = StateNew
	t.Req = req
	t.OnDone = onDone
	e.tasks[t.ID] = t
	e.stats.Queries.Inc()
	e.stats.Concurrent.Inc()

	sends := e.drive(t)
	return t, sends, nil
}

// drive advances t through ResolveProduce until it needs I/O (registering
// it, possibly as a follower of an existing outstanding leader) or finishes.
func (e *Engine) drive(t *Task) []OutboundSend {
	t.State = StateActive

	addrs, sock, packet, st := iterator.ResolveProduce(context.Background(), e.pipeline, t.Req)
	switch st {
	case pipeline.DONE, pipeline.FAIL:
		return e.finish(t, st)
	case pipeline.PRODUCE:
		return e.registerOutstanding(t, addrs, sock, packet)
	default:
		return nil
	}
}

// finish completes t. Any followers still attached to t are the caller's
// responsibility (Deliver and Tick detach and resume followers themselves,
// with the correct packet or forced failure, before or after calling this).
func (e *Engine) finish(t *Task, final pipeline.State) []OutboundSend {
	t.State = StateFinished
	if t.isLeader {
		delete(e.outstanding, t.fp)
	}
	if t.OnDone != nil {
		t.OnDone(t, final)
	}
	e.stats.Concurrent.Dec()
	e.freeTask(t)
	return nil
}

func (e *Engine) registerOutstanding(t *Task, addrs []net.Addr, sock pipeline.SockType, packet *dns.Msg) []OutboundSend {
	fp := fingerprintOf(t.Req, addrs, sock)

	if leader, ok := e.outstanding[fp]; ok && leader != t {
		t.State = StateSuspendedAsFollower
		t.leader = leader
		t.fp = fp
		leader.followers = append(leader.followers, t)
		return nil
	}

	t.isLeader = true
	t.fp = fp
	t.addrs = addrs
	t.socket = sock
	t.packet = packet
	t.rrCursor = 0
	t.ioCount = 0
	t.sent = time.Now()
	t.lastRetransmit = t.sent
	t.State = StateWaitingIO
	e.outstanding[fp] = t

	return e.send(t)
}

// send fires the packet at exactly the next address in t.addrs, round-robin
// (§4.4 "Round-robin addresses of the elected NS on retransmit"; §4.5 "Each
// fire sends the same packet to the next address in round-robin order").
func (e *Engine) send(t *Task) []OutboundSend {
	if len(t.addrs) == 0 {
		return nil
	}
	addr := t.addrs[t.rrCursor%len(t.addrs)]
	t.rrCursor++
	t.ioCount++

	switch t.socket {
	case pipeline.SockStream:
		e.stats.TCP.Inc()
	default:
		e.stats.UDP.Inc()
	}
	if isV6Addr(addr) {
		e.stats.IPv6.Inc()
	} else {
		e.stats.IPv4.Inc()
	}

	return []OutboundSend{{Task: t, Addrs: []net.Addr{addr}, Socket: t.socket, Packet: t.packet}}
}

func isV6Addr(a net.Addr) bool {
	var ip net.IP
	switch a := a.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	}
	return ip != nil && ip.To4() == nil
}

func fingerprintOf(req *iterator.Request, addrs []net.Addr, sock pipeline.SockType) Fingerprint {
	q := req.Plan.Current()
	fp := Fingerprint{Class: dns.ClassINET, Socket: sock}
	if q != nil {
		fp.Name = q.Name
		fp.Class = q.Class
		fp.Type = q.Type
		fp.Addr = q.ElectedAddr
	}
	if fp.Addr == "" && len(addrs) > 0 {
		fp.Addr = addrs[0].String()
	}
	return fp
}

// DeliverPacket reconstructs the Fingerprint an inbound packet answers from
// its own Question section, the address it arrived from, and the transport
// it arrived over, then calls Deliver. This is what callers outside this
// package (netio's Dispatcher) use, since they only observe wire traffic,
// not Fingerprints.
func (e *Engine) DeliverPacket(source net.Addr, sock pipeline.SockType, packet *dns.Msg) []OutboundSend {
	if len(packet.Question) == 0 {
		return nil
	}
	q := packet.Question[0]
	fp := Fingerprint{
		Name:   strings.ToLower(q.Name),
		Class:  q.Qclass,
		Type:   q.Qtype,
		Addr:   hostOf(source),
		Socket: sock,
	}
	return e.Deliver(fp, source, packet)
}

func hostOf(a net.Addr) string {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// Deliver feeds an inbound response to its leader task (identified by fp)
// and every follower coalesced onto it, then re-drives each (§4.5).
func (e *Engine) Deliver(fp Fingerprint, source net.Addr, packet *dns.Msg) []OutboundSend {
	leader, ok := e.outstanding[fp]
	if !ok {
		return nil
	}
	delete(e.outstanding, fp)

	var sends []OutboundSend

	iterator.ResolveConsume(context.Background(), e.pipeline, leader.Req, source, packet)
	sends = append(sends, e.drive(leader)...)

	for _, f := range leader.followers {
		sends = append(sends, e.resumeFollower(f, 0, source, packet)...)
	}
	leader.followers = nil

	return sends
}

func (e *Engine) resumeFollower(f *Task, forcedFinal pipeline.State, source net.Addr, packet *dns.Msg) []OutboundSend {
	if packet != nil {
		iterator.ResolveConsume(context.Background(), e.pipeline, f.Req, source, packet)
	}
	f.leader = nil
	if forcedFinal == pipeline.FAIL {
		return e.finish(f, pipeline.FAIL)
	}
	return e.drive(f)
}

// Tick retransmits or times out outstanding leaders whose deadlines have
// elapsed (§4.5). A retransmit is skipped once a task has exhausted its
// per-task MAX_PENDING I/O budget (§8: "(K+1)-th ioreq returns NIL, timer
// stops"); a timeout penalizes both the elected nameserver (ruled out for
// the rest of this request) and its RTT cache entry (penalized for every
// future request, via the pipeline's timeoutPenalizer capability).
func (e *Engine) Tick(now time.Time) []OutboundSend {
	var sends []OutboundSend

	for fp, t := range e.outstanding {
		elapsed := now.Sub(t.sent)
		switch {
		case elapsed >= Timeout:
			e.stats.Timeout.Inc()
			delete(e.outstanding, fp)
			// Invalidate the timed-out nameserver so the next Produce call
			// elects a different candidate, and penalize its RTT cache entry
			// so future requests learn from this timeout too.
			if q := t.Req.Plan.Current(); q != nil && t.fp.Addr != "" {
				q.Cut.Invalid[q.ElectedNS] = true
			}
			if e.penalizer != nil && t.fp.Addr != "" {
				e.penalizer.PenalizeTimeout(t.fp.Addr)
			}
			sends = append(sends, e.drive(t)...)
			for _, f := range t.followers {
				sends = append(sends, e.resumeFollower(f, pipeline.FAIL, nil, nil)...)
			}
			t.followers = nil
		case t.sent.IsZero() || now.Sub(t.lastRetransmit) >= RetransmitInterval:
			if t.ioCount >= e.ioCap(t) {
				continue
			}
			t.lastRetransmit = now
			if t.sent.IsZero() {
				t.sent = now
			}
			sends = append(sends, e.send(t)...)
		}
	}

	return sends
}
