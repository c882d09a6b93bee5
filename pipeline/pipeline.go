// Package pipeline implements the layer pipeline (C3, §4.3): an ordered
// set of layer handlers invoked on produce/consume transitions, composed by
// embedding rather than virtual inheritance, per spec §9's design note
// ("a tagged variant with per-variant dispatch, not virtual inheritance").
package pipeline

import (
	"context"
	"net"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/rplan"
)

// State is the result of invoking a layer hook (§4.3).
type State int

const (
	NOOP State = iota
	CONSUME
	PRODUCE
	DONE
	FAIL
)

func (s State) String() string {
	switch s {
	case NOOP:
		return "NOOP"
	case CONSUME:
		return "CONSUME"
	case PRODUCE:
		return "PRODUCE"
	case DONE:
		return "DONE"
	case FAIL:
		return "FAIL"
	default:
		return "?"
	}
}

// SockType is the transport a layer asks the caller to use for an
// outbound query.
type SockType int

const (
	SockDatagram SockType = iota
	SockStream
)

// Bag is the per-request state shared across a pipeline's layers. It is
// the "per-request state bag" referenced in §4.3.
type Bag struct {
	Plan *rplan.Plan

	// Set by a layer on PRODUCE to hand the caller an outbound query.
	OutPacket  *dns.Msg
	OutAddrs   []net.Addr
	OutSocket  SockType

	// Set by the caller before Consume to deliver an inbound response.
	InSource net.Addr
	InPacket *dns.Msg

	// Err carries the terminal error, if any, for Finish/Fail.
	Err error

	// Extra is scratch space for layers that need to keep state across
	// hook calls without widening Bag itself (e.g. the validator layer's
	// per-query rank decisions).
	Extra map[string]any
}

// NewBag returns a Bag wired to plan.
func NewBag(plan *rplan.Plan) *Bag {
	return &Bag{Plan: plan, Extra: map[string]any{}}
}

// RcodeKey is the bag.Extra key under which a terminal layer stashes the
// RCODE that the client-facing answer should carry (e.g. NXDOMAIN for the
// root query), distinct from the DONE/FAIL pipeline.State itself.
const RcodeKey = "final.rcode"

// AnswerKey is the bag.Extra key under which the iterator layer accumulates
// the Answer-section records (CNAME chain members plus the terminal
// records) that belong in the client-facing answer, in resolution order.
const AnswerKey = "final.answer"

// Layer is the capability set a pipeline stage may implement: begin, reset,
// finish, produce, consume, fail (§4.3). Concrete layers embed Base and
// override only the hooks they need.
type Layer interface {
	Name() string
	Begin(ctx context.Context, bag *Bag)
	Reset(ctx context.Context, bag *Bag)
	Finish(ctx context.Context, bag *Bag, final State)
	Produce(ctx context.Context, bag *Bag) State
	Consume(ctx context.Context, bag *Bag) State
	Fail(ctx context.Context, bag *Bag, err error)
}

// Base is a no-op implementation of every Layer hook; concrete layers
// embed it and override only what they need, matching the capability-set
// description in §4.3/§9 without requiring a shared base class hierarchy.
type Base struct{ name string }

func NewBase(name string) Base { return Base{name: name} }

func (b Base) Name() string                                        { return b.name }
func (Base) Begin(context.Context, *Bag)                           {}
func (Base) Reset(context.Context, *Bag)                           {}
func (Base) Finish(context.Context, *Bag, State)                   {}
func (Base) Produce(context.Context, *Bag) State                   { return NOOP }
func (Base) Consume(context.Context, *Bag) State                   { return NOOP }
func (Base) Fail(context.Context, *Bag, error)                     {}

// Pipeline drives an ordered set of layers through the produce/consume
// protocol described in §4.3.
type Pipeline struct {
	Layers []Layer
}

// New returns a Pipeline over layers, left-to-right as given (§4.3: "the
// cache layer is conventionally first on produce... and first on
// consume").
func New(layers ...Layer) *Pipeline {
	return &Pipeline{Layers: layers}
}

// Begin calls Begin on each layer once, at the start of a request.
func (p *Pipeline) Begin(ctx context.Context, bag *Bag) {
	for _, l := range p.Layers {
		l.Begin(ctx, bag)
	}
}

// Reset calls Reset on each layer, e.g. before retrying a sub-query.
func (p *Pipeline) Reset(ctx context.Context, bag *Bag) {
	for _, l := range p.Layers {
		l.Reset(ctx, bag)
	}
}

// Finish calls Finish on each layer when the request terminates.
func (p *Pipeline) Finish(ctx context.Context, bag *Bag, final State) {
	for _, l := range p.Layers {
		l.Finish(ctx, bag, final)
	}
}

// Fail calls Fail on each layer if the request is aborted.
func (p *Pipeline) Fail(ctx context.Context, bag *Bag, err error) {
	bag.Err = err
	for _, l := range p.Layers {
		l.Fail(ctx, bag, err)
	}
}

// Produce drives each layer's Produce hook in order. It returns as soon as
// a layer yields any state other than NOOP (PRODUCE when an outbound query
// is ready in bag, CONSUME, DONE or FAIL); if every layer returns NOOP,
// Produce itself returns NOOP so the caller knows nothing happened this
// round.
func (p *Pipeline) Produce(ctx context.Context, bag *Bag) State {
	for _, l := range p.Layers {
		switch st := l.Produce(ctx, bag); st {
		case NOOP:
			continue
		default:
			return st
		}
	}
	return NOOP
}

// Consume drives each layer's Consume hook in order, in the same fashion as
// Produce.
func (p *Pipeline) Consume(ctx context.Context, bag *Bag) State {
	for _, l := range p.Layers {
		switch st := l.Consume(ctx, bag); st {
		case NOOP:
			continue
		default:
			return st
		}
	}
	return NOOP
}
