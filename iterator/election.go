package iterator

import (
	"time"

	"github.com/bluele/gcache"
)

// rttCache remembers recent round-trip times per nameserver address so
// Elect can score candidates by cached RTT (§4.4 "Nameserver election").
// Backed by bluele/gcache's LRU, grounded on safing-portmaster's own use
// of the same library in its resolver package.
type rttCache struct {
	c gcache.Cache
}

// timeoutPenaltyMS replaces an address's score after a timeout fire
// (§4.5's "TIMEOUT penalty").
const timeoutPenaltyMS = 5000

const defaultRTTMS = 200

func newRTTCache(size int) *rttCache {
	return &rttCache{c: gcache.New(size).LRU().Build()}
}

func (r *rttCache) observe(addr string, rtt time.Duration) {
	r.c.Set(addr, int(rtt.Milliseconds()))
}

func (r *rttCache) penalize(addr string) {
	r.c.Set(addr, timeoutPenaltyMS)
}

func (r *rttCache) score(addr string) int {
	v, err := r.c.Get(addr)
	if err != nil {
		return defaultRTTMS
	}
	ms, _ := v.(int)
	return ms
}
