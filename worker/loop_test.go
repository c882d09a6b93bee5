package worker

import (
	"sync"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/quietloop/dnscore/iterator"
	"github.com/quietloop/dnscore/pipeline"
)

func TestLoopSerializesConcurrentSubmits(t *testing.T) {
	p := pipeline.New(iterator.NewIteratorLayer(0))
	e := NewEngine(p, nil)
	lp := NewLoop(e)
	go lp.Run()
	defer lp.Stop()

	var wg sync.WaitGroup
	names := []string{"a.example.", "b.example.", "c.example.", "d.example."}
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, sends, err := lp.Submit(dns.Question{Name: name, Qtype: dns.TypeA, Qclass: dns.ClassINET}, nil)
			require.NoError(t, err)
			require.Len(t, sends, 1)
		}(name)
	}
	wg.Wait()

	require.Len(t, e.tasks, len(names), "every concurrent Submit should have landed exactly one task, serialized through Loop")
}
