// Package dnsintercept implements the DNS interceptor: it inspects UDP
// datagrams bound for port 53, synthesizes fake-IP-backed A/AAAA
// answers for routed domains, blocks DDR discovery while DoH is
// disabled, and falls through everything else so an ordinary UDP flow
// can carry it upstream. Question/answer codec goes through
// github.com/miekg/dns.
package dnsintercept

import (
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/dualstack/veilbound/pkg/fakeip"
	"github.com/dualstack/veilbound/pkg/router"
)

// ddrName is the Discovery of Designated Resolvers query name (RFC
// 9462) blocked while DoH is disabled.
const ddrName = "_dns.resolver.arpa."

// Interceptor owns the fake-IP pool and router consulted to decide
// whether a query is answered locally. Router.Resolve already applies
// the "Proxy(id) with id unknown" fallthrough, so the interceptor
// itself only needs match order, not config admission.
type Interceptor struct {
	Pool       *fakeip.Pool
	Router     *router.Router
	IPv6       bool
	DoHEnabled bool
}

// New returns an Interceptor over the given pool and router. ipv6
// enables AAAA interception; doHEnabled disables the DDR block.
func New(pool *fakeip.Pool, r *router.Router, ipv6, doHEnabled bool) *Interceptor {
	return &Interceptor{Pool: pool, Router: r, IPv6: ipv6, DoHEnabled: doHEnabled}
}

// Handle is given a raw UDP payload already known to target port 53.
// It returns (response, true) if it synthesized an answer, or
// (nil, false) if the datagram should fall through to an ordinary UDP
// flow. A response datagram synthesized here never creates a flow.
func (ic *Interceptor) Handle(payload []byte) ([]byte, bool) {
	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil || len(req.Question) != 1 {
		return nil, false
	}
	q := req.Question[0]
	name := strings.ToLower(q.Name)

	if !ic.DoHEnabled && name == ddrName {
		return pack(ic.nodata(req)), true
	}

	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return nil, false
	}

	domain := strings.TrimSuffix(name, ".")
	action, ok := ic.Router.Resolve(domain)
	if !ok {
		return nil, false
	}

	offset := ic.Pool.Allocate(domain, action.ConfigID, action.Direct)

	if q.Qtype == dns.TypeAAAA && !ic.IPv6 {
		return pack(ic.nodata(req)), true
	}

	resp := ic.answer(req, q, offset)
	return pack(resp), true
}

// answer builds the success response for q: QR=AA=RD=RA=1 (flags
// 0x8580), one answer RR with TTL 1, name compressed against the
// question at offset 12 (baseResponse turns on miekg/dns compression,
// so the packer points any RR whose Hdr.Name equals an already-packed
// name back at it).
func (ic *Interceptor) answer(req *dns.Msg, q dns.Question, offset uint32) *dns.Msg {
	resp := baseResponse(req)

	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: 1}
	switch q.Qtype {
	case dns.TypeA:
		hdr.Rrtype = dns.TypeA
		resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: fakeip.IPv4(offset)})
	case dns.TypeAAAA:
		hdr.Rrtype = dns.TypeAAAA
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: fakeip.IPv6(offset)})
	}
	return resp
}

// nodata builds a zero-answer response with the same flag set, used
// for the DDR block and for AAAA queries with IPv6 disabled.
func (ic *Interceptor) nodata(req *dns.Msg) *dns.Msg {
	return baseResponse(req)
}

func baseResponse(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req) // sets ID, QR, and copies Question, matching QDCOUNT
	resp.Compress = true
	resp.Authoritative = true
	resp.RecursionDesired = true
	resp.RecursionAvailable = true
	return resp
}

func pack(m *dns.Msg) []byte {
	out, err := m.Pack()
	if err != nil {
		return nil
	}
	return out
}

// ResolveOffset returns the pool entry currently bound to ip's offset
// if ip falls inside the fake-IP range, used by flow handlers
// to recover the original domain and effective config for a
// fake-IP-backed destination.
func ResolveOffset(pool *fakeip.Pool, ip net.IP) (*fakeip.Entry, bool) {
	if off, ok := fakeip.OffsetFromIPv4(ip); ok {
		return pool.Lookup(off)
	}
	if off, ok := fakeip.OffsetFromIPv6(ip); ok {
		return pool.Lookup(off)
	}
	return nil, false
}
