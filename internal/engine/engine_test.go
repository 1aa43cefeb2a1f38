package engine

import (
	"context"
	"testing"

	"github.com/dualstack/veilbound/internal/udpflow"
	"github.com/dualstack/veilbound/pkg/config"
	"github.com/dualstack/veilbound/pkg/vless"
)

func TestSettingsEqual(t *testing.T) {
	a := Settings{IPv6: true, DoHEnabled: true, BypassCountryCode: "US", MTU: 1500, GeoIPData: []byte("x")}
	b := a
	if !settingsEqual(a, b) {
		t.Fatal("identical settings should compare equal")
	}
	b.IPv6 = false
	if settingsEqual(a, b) {
		t.Fatal("differing IPv6 should not compare equal")
	}
	b = a
	b.GeoIPData = []byte("y")
	if settingsEqual(a, b) {
		t.Fatal("differing GeoIPData should not compare equal")
	}
}

func TestMtuOr(t *testing.T) {
	if got := mtuOr(0); got != 1400 {
		t.Fatalf("expected default 1400, got %d", got)
	}
	if got := mtuOr(9000); got != 9000 {
		t.Fatalf("expected explicit mtu preserved, got %d", got)
	}
}

func TestAddrFields(t *testing.T) {
	atyp, ip, domain := addrFields("203.0.113.1")
	if atyp != vless.AtypIPv4 || ip == nil || domain != "" {
		t.Fatalf("expected ipv4 classification, got atyp=%d ip=%v domain=%q", atyp, ip, domain)
	}
	atyp, ip, domain = addrFields("2001:db8::1")
	if atyp != vless.AtypIPv6 || ip == nil || domain != "" {
		t.Fatalf("expected ipv6 classification, got atyp=%d ip=%v domain=%q", atyp, ip, domain)
	}
	atyp, ip, domain = addrFields("example.com")
	if atyp != vless.AtypDomainName || ip != nil || domain != "example.com" {
		t.Fatalf("expected domain classification, got atyp=%d ip=%v domain=%q", atyp, ip, domain)
	}
}

func TestKnownConfig(t *testing.T) {
	e := New(nil, nil)
	if e.knownConfig("a") {
		t.Fatal("expected false with no routing document")
	}
	e.state = State{Routing: &config.Routing{Configs: map[string]config.VlessConfig{"a": {}}}}
	if !e.knownConfig("a") {
		t.Fatal("expected true for a known config id")
	}
	if e.knownConfig("b") {
		t.Fatal("expected false for an unknown config id")
	}
}

func TestIsDefaultOutbound(t *testing.T) {
	e := New(nil, nil)
	e.state = State{DefaultConfigID: "a"}
	if !e.isDefaultOutbound("") {
		t.Fatal("empty configID should count as the default outbound")
	}
	if !e.isDefaultOutbound("a") {
		t.Fatal("matching configID should count as the default outbound")
	}
	if e.isDefaultOutbound("b") {
		t.Fatal("non-matching configID should not count as the default outbound")
	}
}

func validVlessConfig() config.VlessConfig {
	return config.VlessConfig{
		Name:          "a",
		ServerAddress: "example.com",
		ServerPort:    443,
		UUID:          "7f000000-0000-0000-0000-000000000001",
		Transport:     "tcp",
		Security:      "none",
	}
}

func TestApplyStateLockedResolvesDefaultClient(t *testing.T) {
	e := New(nil, nil)
	routing := &config.Routing{Configs: map[string]config.VlessConfig{"a": validVlessConfig()}}
	if err := e.applyStateLocked(State{Routing: routing, DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	if !e.haveDefault {
		t.Fatal("expected haveDefault true once the default config id resolves")
	}
	if e.defaultClient.ServerAddr != "example.com" {
		t.Fatalf("unexpected default client: %+v", e.defaultClient)
	}
	if e.interceptorSnapshot() == nil {
		t.Fatal("expected an interceptor snapshot to be published")
	}
}

func TestApplyStateLockedNoDefaultConfigured(t *testing.T) {
	e := New(nil, nil)
	if err := e.applyStateLocked(State{}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	if e.haveDefault {
		t.Fatal("expected haveDefault false with no routing document")
	}
}

func TestMaybeStartMuxRequiresVisionAndMuxEnabled(t *testing.T) {
	e := New(nil, nil)
	vc := validVlessConfig()
	vc.Flow = "vision"
	vc.MuxEnabled = true
	routing := &config.Routing{Configs: map[string]config.VlessConfig{"a": vc}}
	if err := e.applyStateLocked(State{Routing: routing, DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	e.maybeStartMux()
	if e.muxMgr == nil {
		t.Fatal("expected a mux manager when the default outbound is vision+mux")
	}
}

func TestMaybeStartMuxSkippedWithoutMuxFlag(t *testing.T) {
	e := New(nil, nil)
	vc := validVlessConfig()
	vc.Flow = "vision"
	routing := &config.Routing{Configs: map[string]config.VlessConfig{"a": vc}}
	if err := e.applyStateLocked(State{Routing: routing, DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	e.maybeStartMux()
	if e.muxMgr != nil {
		t.Fatal("expected no mux manager without muxEnabled")
	}
}

func TestMaybeStartMuxSkippedWithoutVisionFlow(t *testing.T) {
	e := New(nil, nil)
	vc := validVlessConfig()
	vc.MuxEnabled = true
	routing := &config.Routing{Configs: map[string]config.VlessConfig{"a": vc}}
	if err := e.applyStateLocked(State{Routing: routing, DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	e.maybeStartMux()
	if e.muxMgr != nil {
		t.Fatal("expected no mux manager for a non-vision flow even with muxEnabled")
	}
}

func TestSelectUDPPathForceBypassWinsOverMux(t *testing.T) {
	e := New(nil, nil)
	vc := validVlessConfig()
	vc.Flow = "vision"
	vc.MuxEnabled = true
	routing := &config.Routing{Configs: map[string]config.VlessConfig{"a": vc}}
	if err := e.applyStateLocked(State{Routing: routing, DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	e.maybeStartMux()

	got := e.selectUDPPath(udpflow.Destination{ForceBypass: true, ConfigID: "a"})
	if got != udpflow.PathDirect {
		t.Fatalf("expected PathDirect for a force-bypass destination, got %v", got)
	}
}

func TestSelectUDPPathDefaultOutboundUsesMux(t *testing.T) {
	e := New(nil, nil)
	vc := validVlessConfig()
	vc.Flow = "vision"
	vc.MuxEnabled = true
	routing := &config.Routing{Configs: map[string]config.VlessConfig{"a": vc}}
	if err := e.applyStateLocked(State{Routing: routing, DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	e.maybeStartMux()

	got := e.selectUDPPath(udpflow.Destination{ConfigID: "a"})
	if got != udpflow.PathMux {
		t.Fatalf("expected PathMux for the default outbound with mux active, got %v", got)
	}
}

func TestSelectUDPPathNonDefaultOutboundGetsDedicated(t *testing.T) {
	e := New(nil, nil)
	vc := validVlessConfig()
	vc.Flow = "vision"
	vc.MuxEnabled = true
	other := validVlessConfig()
	other.Name = "b"
	routing := &config.Routing{Configs: map[string]config.VlessConfig{"a": vc, "b": other}}
	if err := e.applyStateLocked(State{Routing: routing, DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	e.maybeStartMux()

	got := e.selectUDPPath(udpflow.Destination{ConfigID: "b"})
	if got != udpflow.PathVlessDedicated {
		t.Fatalf("expected a dedicated VLESS path for a non-default outbound, got %v", got)
	}
}

func TestSelectUDPPathNoMuxManagerAlwaysDedicated(t *testing.T) {
	e := New(nil, nil)
	if err := e.applyStateLocked(State{DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	got := e.selectUDPPath(udpflow.Destination{ConfigID: "a"})
	if got != udpflow.PathVlessDedicated {
		t.Fatalf("expected a dedicated VLESS path when no mux manager exists, got %v", got)
	}
}

func TestMuxXUDPEnabled(t *testing.T) {
	e := New(nil, nil)
	vc := validVlessConfig()
	vc.XudpEnabled = true
	routing := &config.Routing{Configs: map[string]config.VlessConfig{"a": vc}}
	if err := e.applyStateLocked(State{Routing: routing, DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}
	if !e.muxXUDPEnabled() {
		t.Fatal("expected xudp enabled to follow the default config's flag")
	}
}

func TestResolveOutboundPerDomainOverrideFallsBackToDefault(t *testing.T) {
	e := New(nil, nil)
	def := validVlessConfig()
	other := validVlessConfig()
	other.Name = "b"
	other.ServerAddress = "other.example.com"
	routing := &config.Routing{Configs: map[string]config.VlessConfig{"a": def, "b": other}}
	if err := e.applyStateLocked(State{Routing: routing, DefaultConfigID: "a"}); err != nil {
		t.Fatalf("applyStateLocked: %v", err)
	}

	cc, ok := e.resolveOutbound("b")
	if !ok || cc.ServerAddr != "other.example.com" {
		t.Fatalf("expected per-domain override to resolve config b, got %+v %v", cc, ok)
	}

	cc, ok = e.resolveOutbound("")
	if !ok || cc.ServerAddr != "example.com" {
		t.Fatalf("expected empty configID to fall back to the default, got %+v %v", cc, ok)
	}

	cc, ok = e.resolveOutbound("missing")
	if !ok || cc.ServerAddr != "example.com" {
		t.Fatalf("expected an unknown configID to fall back to the default, got %+v %v", cc, ok)
	}
}

func TestApplySettingsLockedParsesBypassCountry(t *testing.T) {
	e := New(nil, nil)
	if err := e.applySettingsLocked(Settings{BypassCountryCode: "US"}); err != nil {
		t.Fatalf("applySettingsLocked: %v", err)
	}
	if e.bypassCountry == 0 {
		t.Fatal("expected a non-zero packed country code for US")
	}
}

func TestApplySettingsLockedRejectsInvalidCountry(t *testing.T) {
	e := New(nil, nil)
	if err := e.applySettingsLocked(Settings{BypassCountryCode: "usa"}); err == nil {
		t.Fatal("expected an error for a non-ISO-3166-1-alpha-2 country code")
	}
}

func TestReadStatsReturnsZeroWhenNotRunning(t *testing.T) {
	e := New(nil, nil)
	in, out := e.ReadStats()
	if in != 0 || out != 0 {
		t.Fatalf("expected zero stats while not running, got %d/%d", in, out)
	}
}

func TestNotifySettingsChangedRejectsWhenNotRunning(t *testing.T) {
	e := New(nil, nil)
	if err := e.NotifySettingsChanged(Settings{}); err == nil {
		t.Fatal("expected an error when the engine is not running")
	}
}

func TestWriteOutClassifiesIPVersion(t *testing.T) {
	var gotV6 *bool
	e := New(nil, nil)
	e.tunnel = &fakeTunnel{onWrite: func(b []byte, isIPv6 bool) error {
		gotV6 = &isIPv6
		return nil
	}}
	v4 := []byte{0x45, 0, 0, 0}
	e.writeOut(v4)
	if gotV6 == nil || *gotV6 {
		t.Fatal("expected an ipv4 frame to classify as not-ipv6")
	}
	v6 := []byte{0x60, 0, 0, 0}
	e.writeOut(v6)
	if gotV6 == nil || !*gotV6 {
		t.Fatal("expected an ipv6 frame to classify as ipv6")
	}
}

type fakeTunnel struct {
	onWrite func(b []byte, isIPv6 bool) error
}

func (f *fakeTunnel) ReadPacket(ctx context.Context) ([]byte, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}
func (f *fakeTunnel) WritePacket(b []byte, isIPv6 bool) error { return f.onWrite(b, isIPv6) }
func (f *fakeTunnel) RequestReapply()                         {}
