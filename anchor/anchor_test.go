package anchor

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func sepKey(t *testing.T, flags uint16) *dns.DNSKEY {
	t.Helper()
	return &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET},
		Flags:     flags,
		Protocol:  3,
		Algorithm: dns.RSASHA256,
		PublicKey: "AwEAAag=",
	}
}

func TestAddIsImmediatelyValid(t *testing.T) {
	s := New()
	k := sepKey(t, 257)
	now := time.Now()
	s.Add("example.com.", k, now)

	require.True(t, s.Covers("example.com."))
	keys := s.Get("example.com.")
	require.Len(t, keys, 1)
	require.Equal(t, Valid, keys[0].State)
}

func TestUpdateTracksNewKeyThroughHoldDown(t *testing.T) {
	s := New()
	now := time.Now()

	newKey := sepKey(t, 257)
	s.Update("example.com.", []*dns.DNSKEY{newKey}, true, now)

	keys := s.Get("example.com.")
	require.Len(t, keys, 1)
	require.Equal(t, AddPend, keys[0].State)
	require.False(t, s.Covers("example.com."), "ADD_PEND keys are not yet trusted")

	s.Update("example.com.", []*dns.DNSKEY{newKey}, true, now.Add(HoldDown+time.Hour))

	keys = s.Get("example.com.")
	require.Equal(t, Valid, keys[0].State)
	require.True(t, s.Covers("example.com."))
}

func TestMissingThenRemoved(t *testing.T) {
	s := New()
	now := time.Now()
	k := sepKey(t, 257)
	s.Add("example.com.", k, now)

	s.Update("example.com.", nil, true, now)
	keys := s.Get("example.com.")
	require.Len(t, keys, 1)
	require.Equal(t, Missing, keys[0].State)

	s.Update("example.com.", nil, true, now.Add(HoldDown+time.Hour))
	keys = s.Get("example.com.")
	require.Empty(t, keys, "a key missing for a full hold-down period is removed")
}

func TestRevokedKeyStopsCovering(t *testing.T) {
	s := New()
	now := time.Now()
	k := sepKey(t, 257)
	s.Add("example.com.", k, now)

	revoked := sepKey(t, 257|(1<<7))
	revoked.PublicKey = k.PublicKey
	s.Update("example.com.", []*dns.DNSKEY{revoked}, true, now)

	keys := s.Get("example.com.")
	require.Len(t, keys, 1)
	require.Equal(t, Revoked, keys[0].State)
	require.False(t, s.Covers("example.com."))
}

func TestAddPendAbsentFromKeysetIsPurgedImmediately(t *testing.T) {
	s := New()
	now := time.Now()

	k := sepKey(t, 257)
	s.Update("example.com.", []*dns.DNSKEY{k}, true, now)
	require.Equal(t, AddPend, s.Get("example.com.")[0].State)

	// The key vanishes from the very next keyset, well before HoldDown
	// elapses. It never became trusted, so no hold-down applies.
	s.Update("example.com.", nil, true, now.Add(time.Minute))
	require.Empty(t, s.Get("example.com."))
}

func TestRevokedKeyIsRemovedAfterHoldDown(t *testing.T) {
	s := New()
	now := time.Now()
	k := sepKey(t, 257)
	s.Add("example.com.", k, now)

	revoked := sepKey(t, 257|(1<<7))
	revoked.PublicKey = k.PublicKey
	s.Update("example.com.", []*dns.DNSKEY{revoked}, true, now)
	require.Equal(t, Revoked, s.Get("example.com.")[0].State)

	s.Update("example.com.", []*dns.DNSKEY{revoked}, true, now.Add(HoldDown+time.Hour))
	require.Empty(t, s.Get("example.com."), "a key revoked for a full hold-down period is removed")
}

func TestDelAndClear(t *testing.T) {
	s := New()
	now := time.Now()
	s.Add("example.com.", sepKey(t, 257), now)
	s.Add("other.test.", sepKey(t, 257), now)

	s.Del("example.com.")
	require.Empty(t, s.Get("example.com."))
	require.NotEmpty(t, s.Get("other.test."))

	s.Clear()
	require.Empty(t, s.Get("other.test."))
}
