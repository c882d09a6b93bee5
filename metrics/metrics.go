// Package metrics exports the resolver's statistics (§4.1, §4.5) as
// VictoriaMetrics counters.
package metrics

import (
	"io"

	vm "github.com/VictoriaMetrics/metrics"
)

// CacheStats are the counters named in §4.1: hit, miss, insert, delete,
// txn_read, txn_write.
type CacheStats struct {
	set *vm.Set

	Hit      *vm.Counter
	Miss     *vm.Counter
	Insert   *vm.Counter
	Delete   *vm.Counter
	TxnRead  *vm.Counter
	TxnWrite *vm.Counter
}

// NewCacheStats creates and registers a fresh, independent counter set so
// that multiple Core instances (e.g. in tests) don't collide on names.
func NewCacheStats() *CacheStats {
	s := vm.NewSet()
	return &CacheStats{
		set:      s,
		Hit:      s.NewCounter(`resolver_cache_hit_total`),
		Miss:     s.NewCounter(`resolver_cache_miss_total`),
		Insert:   s.NewCounter(`resolver_cache_insert_total`),
		Delete:   s.NewCounter(`resolver_cache_delete_total`),
		TxnRead:  s.NewCounter(`resolver_cache_txn_read_total`),
		TxnWrite: s.NewCounter(`resolver_cache_txn_write_total`),
	}
}

// WritePrometheus writes the cache metric set in the Prometheus exposition
// format.
func (c *CacheStats) WritePrometheus(w io.Writer) { c.set.WritePrometheus(w) }

// WorkerStats are the counters named in §4.5: queries, concurrent, udp, tcp,
// ipv4, ipv6, timeout, dropped.
type WorkerStats struct {
	set *vm.Set

	Queries    *vm.Counter
	Concurrent *vm.Counter
	UDP        *vm.Counter
	TCP        *vm.Counter
	IPv4       *vm.Counter
	IPv6       *vm.Counter
	Timeout    *vm.Counter
	Dropped    *vm.Counter
}

// NewWorkerStats creates and registers a fresh, independent counter set.
func NewWorkerStats() *WorkerStats {
	s := vm.NewSet()
	return &WorkerStats{
		set:        s,
		Queries:    s.NewCounter(`resolver_worker_queries_total`),
		Concurrent: s.NewCounter(`resolver_worker_concurrent`),
		UDP:        s.NewCounter(`resolver_worker_udp_total`),
		TCP:        s.NewCounter(`resolver_worker_tcp_total`),
		IPv4:       s.NewCounter(`resolver_worker_ipv4_total`),
		IPv6:       s.NewCounter(`resolver_worker_ipv6_total`),
		Timeout:    s.NewCounter(`resolver_worker_timeout_total`),
		Dropped:    s.NewCounter(`resolver_worker_dropped_total`),
	}
}

// WritePrometheus writes the worker metric set in the Prometheus exposition
// format.
func (w *WorkerStats) WritePrometheus(out io.Writer) { w.set.WritePrometheus(out) }
