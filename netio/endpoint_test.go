package netio

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// TestUDPRoundTrip exercises a real loopback socket pair, in the spirit of
// the teacher's server_test.go helper that stands up a live UDP listener.
func TestUDPRoundTrip(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	received := make(chan Inbound, 1)
	server.Handler = func(in Inbound) { received <- in }
	go server.Serve()

	client, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	require.NoError(t, client.WriteTo(q, server.LocalAddr().(*net.UDPAddr)))

	select {
	case in := <-received:
		require.Equal(t, "example.com.", in.Packet.Question[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}
