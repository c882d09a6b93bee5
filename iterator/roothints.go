package iterator

import "github.com/quietloop/dnscore/rplan"

// rootHint is one entry of the built-in priming list for the "." zone cut,
// in the tradition of a resolver's root.hints file.
type rootHint struct {
	ns    string
	addrs []string
}

// rootHints is ordered (rather than a map) so that election over a freshly
// seeded cut is deterministic when every candidate otherwise scores equally.
var rootHints = []rootHint{
	{"a.root-servers.net.", []string{"198.41.0.4", "2001:503:ba3e::2:30"}},
	{"b.root-servers.net.", []string{"170.247.170.2", "2801:1b8:10::b"}},
	{"c.root-servers.net.", []string{"192.33.4.12", "2001:500:2::c"}},
	{"d.root-servers.net.", []string{"199.7.91.13", "2001:500:2d::d"}},
	{"e.root-servers.net.", []string{"192.203.230.10", "2001:500:a8::e"}},
	{"f.root-servers.net.", []string{"192.5.5.241", "2001:500:2f::f"}},
	{"g.root-servers.net.", []string{"192.112.36.4", "2001:500:12::d0d"}},
	{"h.root-servers.net.", []string{"198.97.190.53", "2001:500:1::53"}},
	{"i.root-servers.net.", []string{"192.36.148.17", "2001:7fe::53"}},
	{"j.root-servers.net.", []string{"192.58.128.30", "2001:503:c27::2:30"}},
	{"k.root-servers.net.", []string{"193.0.14.129", "2001:7fd::1"}},
	{"l.root-servers.net.", []string{"199.7.83.42", "2001:500:9f::42"}},
	{"m.root-servers.net.", []string{"202.12.27.33", "2001:dc3::35"}},
}

// seedRootCut populates cut with the root hints when it is otherwise empty.
func seedRootCut(cut *rplan.Cut) {
	if len(cut.NS) > 0 {
		return
	}
	for _, h := range rootHints {
		cut.NS = append(cut.NS, h.ns)
		cut.Addrs[h.ns] = append([]string(nil), h.addrs...)
	}
}
