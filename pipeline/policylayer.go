package pipeline

import (
	"context"
	"strings"

	"github.com/miekg/dns"

	"github.com/quietloop/dnscore/rerr"
	"github.com/quietloop/dnscore/rplan"
)

// PolicyLayer vetoes a query before Produce if its name is on, or a
// subdomain of, a configured blocklist entry. It supplements the original
// system's scripted policy engine (out of scope in its full form per §1)
// with the narrow capability-interface hook described in §4 -- silence on
// a feature being an invitation to add it, not a prohibition.
type PolicyLayer struct {
	Base
	Blocklist []string
}

// NewPolicyLayer returns a PolicyLayer over blocklist, a set of domain
// names (and their subdomains) to refuse.
func NewPolicyLayer(blocklist []string) *PolicyLayer {
	out := make([]string, len(blocklist))
	for i, b := range blocklist {
		out[i] = strings.ToLower(dns.Fqdn(b))
	}
	return &PolicyLayer{Base: NewBase("policy"), Blocklist: out}
}

// Produce fails the current query outright, before any I/O, if its name
// matches the blocklist.
func (l *PolicyLayer) Produce(ctx context.Context, bag *Bag) State {
	q := bag.Plan.Current()
	if q == nil || len(l.Blocklist) == 0 {
		return NOOP
	}

	name := strings.ToLower(q.Name)
	blocked := false
	for _, b := range l.Blocklist {
		if name == b || strings.HasSuffix(name, "."+b) {
			blocked = true
			break
		}
	}
	if !blocked {
		return NOOP
	}

	if q.Parent == nil {
		bag.Extra[RcodeKey] = dns.RcodeRefused
	}
	q.Flags |= rplan.FlagResolved
	bag.Plan.Pop(q)
	bag.Err = rerr.New(rerr.Invalid, "blocked by policy: "+q.Name)
	return CONSUME
}
