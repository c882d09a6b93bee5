package worker

import (
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/pipeline"
)

// Loop serializes every call into an Engine onto a single goroutine (§5:
// "the engine is the only goroutine that touches... the outstanding-leaders
// map"). The client UDP/TCP listeners, the upstream dispatcher, the
// retransmit ticker, and resolver.Control.Lookup are all separate
// goroutines; each reaches the Engine only through a Loop, never directly.
type Loop struct {
	engine *Engine
	cmds   chan any
	done   chan struct{}
}

type submitCmd struct {
	question dns.Question
	onDone   func(*Task, pipeline.State)
	result   chan submitResult
}

type submitResult struct {
	task  *Task
	sends []OutboundSend
	err   error
}

type deliverCmd struct {
	source net.Addr
	sock   pipeline.SockType
	packet *dns.Msg
	result chan []OutboundSend
}

type tickCmd struct {
	now    time.Time
	result chan []OutboundSend
}

// NewLoop returns a Loop driving e. Run must be started in its own
// goroutine before any of Loop's methods are called.
func NewLoop(e *Engine) *Loop {
	return &Loop{
		engine: e,
		cmds:   make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// Run processes commands until Stop is called. It is the only goroutine
// that ever touches the wrapped Engine.
func (lp *Loop) Run() {
	for {
		select {
		case <-lp.done:
			return
		case c := <-lp.cmds:
			switch cmd := c.(type) {
			case submitCmd:
				t, sends, err := lp.engine.Submit(cmd.question, cmd.onDone)
				cmd.result <- submitResult{task: t, sends: sends, err: err}
			case deliverCmd:
				cmd.result <- lp.engine.DeliverPacket(cmd.source, cmd.sock, cmd.packet)
			case tickCmd:
				cmd.result <- lp.engine.Tick(cmd.now)
			}
		}
	}
}

// Stop shuts the loop goroutine down. Any commands already queued are
// dropped.
func (lp *Loop) Stop() {
	close(lp.done)
}

// Submit is the Loop-safe equivalent of Engine.Submit.
func (lp *Loop) Submit(question dns.Question, onDone func(*Task, pipeline.State)) (*Task, []OutboundSend, error) {
	result := make(chan submitResult, 1)
	lp.cmds <- submitCmd{question: question, onDone: onDone, result: result}
	r := <-result
	return r.task, r.sends, r.err
}

// DeliverPacket is the Loop-safe equivalent of Engine.DeliverPacket.
func (lp *Loop) DeliverPacket(source net.Addr, sock pipeline.SockType, packet *dns.Msg) []OutboundSend {
	result := make(chan []OutboundSend, 1)
	lp.cmds <- deliverCmd{source: source, sock: sock, packet: packet, result: result}
	return <-result
}

// Tick is the Loop-safe equivalent of Engine.Tick.
func (lp *Loop) Tick(now time.Time) []OutboundSend {
	result := make(chan []OutboundSend, 1)
	lp.cmds <- tickCmd{now: now, result: result}
	return <-result
}
