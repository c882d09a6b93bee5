// Package worker implements the task/worker engine (C5, §4.5): the
// single-threaded, cooperative scheduler that drives many in-flight
// iterator.Request values to completion, coalescing identical outbound
// queries between leader and follower tasks and retransmitting/timing out
// outstanding network sends.
//
// Grounded on the teacher's goroutine-per-query Resolver.Query (resolver.go)
// generalized from implicit per-call goroutines into an explicit task table
// a single event loop can suspend and resume, as required for the
// non-goroutine-per-task model described in §4.5.
package worker

import (
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/iterator"
	"github.com/quietloop/dnscore/pipeline"
)

// State is a Task's lifecycle state (§4.5).
type State int

const (
	StateNew State = iota
	StateActive
	StateWaitingIO
	StateSuspendedAsFollower
	StateFinished
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActive:
		return "ACTIVE"
	case StateWaitingIO:
		return "WAITING_IO"
	case StateSuspendedAsFollower:
		return "SUSPENDED_AS_FOLLOWER"
	case StateFinished:
		return "FINISHED"
	case StateFreed:
		return "FREED"
	default:
		return "?"
	}
}

// RetransmitInterval and Timeout are the worker engine's fixed network
// timers (§4.5).
const (
	RetransmitInterval = 250 * time.Millisecond
	Timeout            = 2000 * time.Millisecond
)

// Fingerprint identifies an outstanding outbound query for leader/follower
// coalescing: same question, same elected address, same transport (§4.5
// "identical outbound queries are coalesced under one leader").
type Fingerprint struct {
	Name    string
	Class   uint16
	Type    uint16
	Addr    string
	Socket  pipeline.SockType
}

// Task is one client request being driven to completion by the Engine.
type Task struct {
	ID    uint64
	State State

	Req *iterator.Request

	// OnDone is invoked exactly once, when the task reaches StateFinished,
	// with the finished request's final pipeline.State (DONE or FAIL).
	OnDone func(*Task, pipeline.State)

	fp             Fingerprint
	isLeader       bool
	leader         *Task
	followers      []*Task
	sent           time.Time
	lastRetransmit time.Time
	addrs          []net.Addr
	socket         pipeline.SockType
	packet         *dns.Msg

	// rrCursor is the index into addrs that the next send uses, advanced
	// on every send so retransmits round-robin through the candidate
	// address list instead of re-hitting the same one (§4.4 "Nameserver
	// election": "Round-robin addresses of the elected NS on retransmit").
	rrCursor int

	// ioCount is the number of I/O handles (sends) issued for this task's
	// current outstanding episode, capped at MAX_PENDING (§3 Task: "up to
	// MAX_PENDING I/O handles"; §4.5 "Fan-out bound").
	ioCount int
}

// reset clears a Task for reuse from the engine's free list (§4.5 "memory
// recycling").
func (t *Task) reset() {
	*t = Task{ID: t.ID}
}
