package pipeline

import (
	"context"

	"github.com/quietloop/dnscore/cache"
	"github.com/quietloop/dnscore/rplan"
)

// AnchorStore is the narrow view of anchor.Store the validator layer needs:
// whether a zone currently has a VALID trust anchor key at all (§4.3: "the
// validator layer only manages the capability set and defers to an
// injected... collaborator" -- the DNSSEC crypto itself stays out of scope
// per §1).
type AnchorStore interface {
	Covers(zone string) bool
}

// Validator performs the actual DNSSEC signature verification the
// ValidatorLayer defers to, returning the rank the verified (or
// unverifiable) data should be cached at.
type Validator interface {
	Validate(ctx context.Context, rrset cache.RRSet) (cache.Rank, error)
}

// ValidatorLayer marks queries under a covered zone as needing validation
// and, on consume, asks the injected Validator to judge the response
// (§4.3's validator layer stub). With neither Anchors nor Validator
// configured it is a pure no-op, matching "validation crypto itself is out
// of scope".
type ValidatorLayer struct {
	Base
	Anchors   AnchorStore
	Validator Validator
}

// NewValidatorLayer returns a ValidatorLayer. Either argument may be nil: a
// nil anchors means the layer never marks queries, and a nil validator
// means it never validates (queries under a covered zone are still marked).
func NewValidatorLayer(anchors AnchorStore, validator Validator) *ValidatorLayer {
	return &ValidatorLayer{Base: NewBase("validator"), Anchors: anchors, Validator: validator}
}

// Produce marks the current query FlagNeedsValidation when its name falls
// under a zone the anchor store covers. It never itself produces an
// outbound query (NOOP): validation happens on Consume, once data exists to
// validate.
func (l *ValidatorLayer) Produce(ctx context.Context, bag *Bag) State {
	q := bag.Plan.Current()
	if q == nil || l.Anchors == nil {
		return NOOP
	}
	if l.Anchors.Covers(q.Cut.Owner) {
		q.Flags |= rplan.FlagNeedsValidation
	}
	return NOOP
}

// Consume hands the just-received answer to the injected Validator when the
// current query needs validation, stashing the resulting rank in bag.Extra
// under RankKey for the cache layer's Consume to pick up. The validator
// layer must therefore be registered ahead of the cache layer in the
// pipeline's layer order, so its rank decision lands before the cache
// layer's own Consume call runs in the same round.
func (l *ValidatorLayer) Consume(ctx context.Context, bag *Bag) State {
	q := bag.Plan.Current()
	if q == nil || bag.InPacket == nil || l.Validator == nil {
		return NOOP
	}
	if q.Flags&rplan.FlagNeedsValidation == 0 {
		return NOOP
	}

	rrset := cache.RRSet{Owner: q.Name, Class: q.Class, Type: q.Type, RRs: bag.InPacket.Answer}
	rank, err := l.Validator.Validate(ctx, rrset)
	if err != nil {
		bag.Extra[RankKey] = cache.RankNonAuth
		return NOOP
	}
	bag.Extra[RankKey] = rank
	return NOOP
}

// RankKey is the bag.Extra key under which the validator layer stashes the
// rank a just-validated RRSet should be cached at.
const RankKey = "validator.rank"
