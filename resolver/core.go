// Package resolver wires the resolver's components (C1-C7) into one running
// daemon: the cache, the layer pipeline, the worker engine, the upstream
// dispatcher, client-facing listeners, and the trust-anchor store.
//
// Grounded on the teacher's top-level Resolver type (resolver.go), which
// plays the same "one struct owns everything, New returns it ready to use"
// role for the original goroutine-per-query design.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/quietloop/dnscore/anchor"
	"github.com/quietloop/dnscore/cache"
	"github.com/quietloop/dnscore/config"
	"github.com/quietloop/dnscore/iterator"
	"github.com/quietloop/dnscore/metrics"
	"github.com/quietloop/dnscore/netio"
	"github.com/quietloop/dnscore/pipeline"
	"github.com/quietloop/dnscore/worker"
)

// Core owns one running resolver: its cache, pipeline, worker engine,
// upstream dispatcher and client-facing listeners.
type Core struct {
	Cache   *cache.Cache
	Anchors *anchor.Store

	// loop is the single goroutine allowed to call into the worker engine
	// (§5); every entry point -- client listeners, the upstream dispatcher,
	// the retransmit ticker, Control.Lookup -- goes through it instead of
	// holding a *worker.Engine directly.
	loop *worker.Loop

	Upstream *netio.Dispatcher

	clientUDP *netio.UDPEndpoint
	clientTCP *netio.TCPEndpoint

	cacheStats  *metrics.CacheStats
	workerStats *metrics.WorkerStats

	cfg *config.Config
}

// New builds a Core from cfg: opens the cache backend, seeds the trust
// anchor store, assembles the layer pipeline (policy, validator, cache,
// iterator, in that order -- see pipeline.ValidatorLayer's doc comment for
// why validator precedes cache), and binds every configured listener.
func New(cfg *config.Config) (*Core, error) {
	cacheStats := metrics.NewCacheStats()
	workerStats := metrics.NewWorkerStats()

	backend := cache.NewMemBackend()
	if cfg.Cache.Path != "" {
		b, err := cache.OpenBolt(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("opening cache backend: %w", err)
		}
		backend = b
	}
	c, err := cache.Open(backend, cacheStats)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	anchors := anchor.New()
	for _, ta := range cfg.TrustAnchors {
		rr, err := dns.NewRR(ta.DNSKEY)
		if err != nil {
			return nil, fmt.Errorf("parsing trust anchor for %s: %w", ta.Zone, err)
		}
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok {
			return nil, fmt.Errorf("trust anchor for %s is not a DNSKEY record", ta.Zone)
		}
		anchors.Add(ta.Zone, dnskey, time.Now())
	}

	p := pipeline.New(
		pipeline.NewPolicyLayer(cfg.Blocklist),
		pipeline.NewValidatorLayer(anchors, nil),
		pipeline.NewCacheLayer(c, nil),
		iterator.NewIteratorLayer(cfg.Worker.RTTCacheSize),
	)

	engine := worker.NewEngine(p, workerStats)
	if cfg.Worker.Threshold > 0 {
		engine.SetThreshold(cfg.Worker.Threshold)
	}
	loop := worker.NewLoop(engine)
	go loop.Run()

	upstream, err := netio.NewDispatcher(loop, ":0", workerStats)
	if err != nil {
		return nil, fmt.Errorf("binding upstream socket: %w", err)
	}

	core := &Core{
		Cache:       c,
		Anchors:     anchors,
		loop:        loop,
		Upstream:    upstream,
		cacheStats:  cacheStats,
		workerStats: workerStats,
		cfg:         cfg,
	}

	if cfg.Listen.UDP != "" {
		udp, err := netio.ListenUDP(cfg.Listen.UDP)
		if err != nil {
			return nil, fmt.Errorf("binding client UDP listener: %w", err)
		}
		udp.Stats = workerStats
		udp.Handler = core.handleClient
		core.clientUDP = udp
	}
	if cfg.Listen.TCP != "" {
		tcp, err := netio.ListenTCP(cfg.Listen.TCP)
		if err != nil {
			return nil, fmt.Errorf("binding client TCP listener: %w", err)
		}
		tcp.Stats = workerStats
		tcp.Handler = core.handleClient
		core.clientTCP = tcp
	}

	return core, nil
}

// Run serves every bound listener and drives the worker engine's timers
// until ctx is cancelled, supervising the accept/read loops with an
// errgroup the way the teacher's own indirect golang.org/x/net dependency
// chain already pulls in errgroup for (§1 domain stack note).
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.Upstream.Serve() })
	if c.clientUDP != nil {
		g.Go(func() error { return c.clientUDP.Serve() })
	}
	if c.clientTCP != nil {
		g.Go(func() error { return c.clientTCP.Serve() })
	}

	done := make(chan struct{})
	g.Go(func() error {
		c.Upstream.Run(done, c.cfg.Worker.TickInterval)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		close(done)
		return c.Close()
	})

	return g.Wait()
}

// Close releases every socket, stops the dispatch loop, and closes the
// cache backend.
func (c *Core) Close() error {
	if c.clientUDP != nil {
		c.clientUDP.Close()
	}
	if c.clientTCP != nil {
		c.clientTCP.Close()
	}
	c.Upstream.Close()
	c.loop.Stop()
	return c.Cache.Close()
}

// handleClient is the Handler for both client-facing listeners: it submits
// the inbound question to the worker engine (via loop), flushes whatever
// upstream sends that produces, and replies to the client once the engine
// finishes the task.
func (c *Core) handleClient(in netio.Inbound) {
	if len(in.Packet.Question) != 1 {
		return
	}
	question := in.Packet.Question[0]
	clientID := in.Packet.Id
	tsig := findTSIG(in.Packet)

	task, sends, err := c.loop.Submit(question, func(t *worker.Task, final pipeline.State) {
		rcode := dns.RcodeSuccess
		if final == pipeline.FAIL {
			rcode = dns.RcodeServerFailure
		}
		answer := iterator.BuildAnswer(t.Req, rcode)
		answer.Id = clientID
		// §6 TSIG: preserved on the answer to the client, never propagated
		// to sub-queries -- sub-queries never see in.Packet at all, so that
		// half of the requirement holds structurally.
		if tsig != nil {
			answer.Extra = append(answer.Extra, tsig)
		}
		if in.Reply != nil {
			_ = in.Reply(answer)
		}
	})
	if err != nil {
		slog.Error("resolve failed to start", "name", question.Name, "err", err)
		return
	}
	_ = task
	c.Upstream.Flush(sends)
}

// findTSIG returns the TSIG record attached to m's additional section, if
// any.
func findTSIG(m *dns.Msg) *dns.TSIG {
	for _, rr := range m.Extra {
		if t, ok := rr.(*dns.TSIG); ok {
			return t
		}
	}
	return nil
}

// CacheStats and WorkerStats expose the metrics.Set WritePrometheus hooks
// for a metrics endpoint (§1's VictoriaMetrics domain-stack note).
func (c *Core) CacheStats() *metrics.CacheStats   { return c.cacheStats }
func (c *Core) WorkerStats() *metrics.WorkerStats { return c.workerStats }

// UpstreamAddr returns the ephemeral local address the dispatcher sends
// upstream queries from, useful for tests.
func (c *Core) UpstreamAddr() net.Addr { return c.Upstream.LocalAddr() }
