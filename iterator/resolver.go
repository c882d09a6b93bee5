package iterator

import (
	"context"
	"net"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/cache"
	"github.com/quietloop/dnscore/pipeline"
	"github.com/quietloop/dnscore/rerr"
	"github.com/quietloop/dnscore/rplan"
)

// Request is one client-facing resolution in flight: its plan, its layer
// pipeline bag, and the question being answered (§4.4's resolve_begin /
// resolve_consume / resolve_produce operations).
type Request struct {
	Plan *rplan.Plan
	Bag  *pipeline.Bag

	Question dns.Question
	// AnswerEDNSSize is the buffer size to cap the client-facing answer at
	// (wire.AnswerPayloadSize of the client's advertised OPT, if any).
	AnswerEDNSSize int
}

// ResolveBegin starts a new Request for question, pushing the root query
// onto a fresh plan and arming the pipeline (§4.4 resolve_begin).
func ResolveBegin(ctx context.Context, p *pipeline.Pipeline, question dns.Question) (*Request, error) {
	plan := rplan.New()
	bag := pipeline.NewBag(plan)

	if _, err := plan.Push(nil, question.Name, question.Qclass, question.Qtype); err != nil {
		return nil, err
	}

	req := &Request{Plan: plan, Bag: bag, Question: question}
	p.Begin(ctx, bag)
	return req, nil
}

// ResolveConsume delivers an inbound response from source into the
// request's pipeline (§4.4 resolve_consume).
func ResolveConsume(ctx context.Context, p *pipeline.Pipeline, req *Request, source net.Addr, packet *dns.Msg) pipeline.State {
	req.Bag.InSource = source
	req.Bag.InPacket = packet
	st := p.Consume(ctx, req.Bag)
	req.Bag.InPacket = nil
	return st
}

// ResolveProduce drives the pipeline forward until it either needs the
// caller to perform I/O (PRODUCE: outAddrs/outSocket/outPacket are set) or
// terminates (DONE/FAIL), enforcing the plan's iteration bound along the way
// (§4.4 resolve_produce, §4.2 I-RP3).
func ResolveProduce(ctx context.Context, p *pipeline.Pipeline, req *Request) (outAddrs []net.Addr, outSocket pipeline.SockType, outPacket *dns.Msg, state pipeline.State) {
	for {
		if req.Plan.Pushes() > rplan.IterLimit {
			err := rerr.New(rerr.ELimit, "resolution plan iteration limit reached")
			p.Fail(ctx, req.Bag, err)
			return nil, 0, nil, pipeline.FAIL
		}

		if req.Plan.Empty() {
			p.Finish(ctx, req.Bag, pipeline.DONE)
			return nil, 0, nil, pipeline.DONE
		}

		st := p.Produce(ctx, req.Bag)
		switch st {
		case pipeline.PRODUCE:
			out := req.Bag.OutPacket
			req.Bag.OutPacket = nil
			addrs := req.Bag.OutAddrs
			req.Bag.OutAddrs = nil
			sock := req.Bag.OutSocket
			return addrs, sock, out, pipeline.PRODUCE
		case pipeline.CONSUME:
			continue
		case pipeline.DONE, pipeline.FAIL:
			p.Finish(ctx, req.Bag, st)
			return nil, 0, nil, st
		default: // NOOP: nothing left to do but the plan isn't empty either
			if req.Plan.Empty() {
				p.Finish(ctx, req.Bag, pipeline.DONE)
				return nil, 0, nil, pipeline.DONE
			}
			p.Finish(ctx, req.Bag, pipeline.FAIL)
			return nil, 0, nil, pipeline.FAIL
		}
	}
}

// BuildAnswer assembles the client-facing response for a finished request
// from the pipeline bag: the cache hit stashed under pipeline.HitKey, then
// the records (CNAME chain members and terminal records) accumulated under
// pipeline.AnswerKey (§4.4). rcode is the default to use (e.g.
// dns.RcodeServerFailure on FAIL); when a layer stashed an RCODE under
// pipeline.RcodeKey (notably dns.RcodeNameError for NXDOMAIN, or
// dns.RcodeRefused from the policy layer), that RCODE overrides it.
func BuildAnswer(req *Request, rcode int) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Question = []dns.Question{req.Question}
	m.Rcode = rcode
	m.RecursionAvailable = true

	if rc, ok := req.Bag.Extra[pipeline.RcodeKey]; ok {
		if v, ok := rc.(int); ok {
			m.Rcode = v
		}
	}

	if hit, ok := req.Bag.Extra[pipeline.HitKey]; ok {
		if rrset, ok := hit.(cache.RRSet); ok {
			m.Answer = append(m.Answer, rrset.RRs...)
		}
	}

	if rrs, ok := req.Bag.Extra[pipeline.AnswerKey]; ok {
		if records, ok := rrs.([]dns.RR); ok {
			m.Answer = append(m.Answer, records...)
		}
	}

	return m
}
