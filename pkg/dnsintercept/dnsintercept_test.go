package dnsintercept

import (
	"testing"

	"github.com/miekg/dns"

	"github.com/dualstack/veilbound/pkg/fakeip"
	"github.com/dualstack/veilbound/pkg/router"
)

func newTestInterceptor(t *testing.T, ipv6, doh bool) *Interceptor {
	t.Helper()
	r := router.New()
	r.AddExact("example.com", router.ProxyAction("P"))
	r.SetKnownConfigs([]string{"P"})
	pool := fakeip.New()
	return New(pool, r, ipv6, doh)
}

func query(name string, qtype uint16) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	b, _ := m.Pack()
	return b
}

func TestSynthesizesARecordForRoutedDomain(t *testing.T) {
	ic := newTestInterceptor(t, true, false)

	resp, ok := ic.Handle(query("example.com", dns.TypeA))
	if !ok {
		t.Fatal("expected interceptor to handle routed A query")
	}

	m := new(dns.Msg)
	if err := m.Unpack(resp); err != nil {
		t.Fatal(err)
	}
	if !m.Response || !m.Authoritative || !m.RecursionDesired || !m.RecursionAvailable {
		t.Fatalf("unexpected flags: %+v", m.MsgHdr)
	}
	if len(m.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(m.Answer))
	}
	a, ok := m.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected A record, got %T", m.Answer[0])
	}
	if a.Hdr.Ttl != 1 {
		t.Fatalf("expected TTL 1, got %d", a.Hdr.Ttl)
	}
	if !a.A.Equal(fakeip.IPv4(1)) {
		t.Fatalf("expected first offset's address, got %s", a.A)
	}

	off, ok := ic.Pool.LookupDomain("example.com")
	if !ok || off != 1 {
		t.Fatalf("expected pool to allocate offset 1, got %d ok=%v", off, ok)
	}
}

func TestUnroutedDomainFallsThrough(t *testing.T) {
	ic := newTestInterceptor(t, true, false)

	_, ok := ic.Handle(query("unrouted.test", dns.TypeA))
	if ok {
		t.Fatal("expected unrouted domain to fall through")
	}
}

func TestDDRBlockedWhenDoHDisabled(t *testing.T) {
	ic := newTestInterceptor(t, true, false)

	resp, ok := ic.Handle(query(ddrName, dns.TypeHTTPS))
	if !ok {
		t.Fatal("expected DDR query to be intercepted")
	}
	m := new(dns.Msg)
	if err := m.Unpack(resp); err != nil {
		t.Fatal(err)
	}
	if len(m.Answer) != 0 {
		t.Fatalf("expected NODATA, got %d answers", len(m.Answer))
	}
}

func TestDDRFallsThroughWhenDoHEnabled(t *testing.T) {
	ic := newTestInterceptor(t, true, true)

	_, ok := ic.Handle(query(ddrName, dns.TypeHTTPS))
	if ok {
		t.Fatal("expected DDR query to fall through once DoH is enabled")
	}
}

func TestAAAANodataWhenIPv6Disabled(t *testing.T) {
	ic := newTestInterceptor(t, false, false)

	resp, ok := ic.Handle(query("example.com", dns.TypeAAAA))
	if !ok {
		t.Fatal("expected routed AAAA query to be intercepted")
	}
	m := new(dns.Msg)
	if err := m.Unpack(resp); err != nil {
		t.Fatal(err)
	}
	if len(m.Answer) != 0 {
		t.Fatalf("expected NODATA with IPv6 disabled, got %d answers", len(m.Answer))
	}
}

func TestUnknownConfigFallsThrough(t *testing.T) {
	r := router.New()
	r.AddExact("stale.example.com", router.ProxyAction("gone"))
	// SetKnownConfigs deliberately omitted: "gone" stays unknown.
	pool := fakeip.New()
	ic := New(pool, r, true, false)

	_, ok := ic.Handle(query("stale.example.com", dns.TypeA))
	if ok {
		t.Fatal("expected unknown config to fall through")
	}
}
