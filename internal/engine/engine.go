// Package engine is the top-level data-plane object: it owns the
// userspace stack, the fake-IP pool, the domain router, the DNS
// interceptor, the TCP/UDP flow managers, and the Mux manager, and
// exposes the start/stop/switch_config/read_stats/notify_* surface a
// host platform drives. Start reports stack-initialization errors
// synchronously and lifecycle state is held behind a mutex plus an
// atomic running flag. All mutating entry
// points serialize onto one goroutine via a buffered job queue, so
// reload/switch_config never races a concurrent accept or datagram
// dispatch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/dualstack/veilbound/internal/core"
	"github.com/dualstack/veilbound/internal/netstack"
	"github.com/dualstack/veilbound/internal/tcpflow"
	"github.com/dualstack/veilbound/internal/udpflow"
	"github.com/dualstack/veilbound/pkg/config"
	"github.com/dualstack/veilbound/pkg/dnsintercept"
	"github.com/dualstack/veilbound/pkg/errkind"
	"github.com/dualstack/veilbound/pkg/fakeip"
	"github.com/dualstack/veilbound/pkg/geoip"
	"github.com/dualstack/veilbound/pkg/metrics"
	"github.com/dualstack/veilbound/pkg/mux"
	"github.com/dualstack/veilbound/pkg/router"
	"github.com/dualstack/veilbound/pkg/vless"
	"github.com/dualstack/veilbound/pkg/vlessclient"
)

// Settings is the subset of engine policy that can change independently
// of the outbound/routing configuration.
type Settings struct {
	IPv6              bool
	DoHEnabled        bool
	BypassCountryCode string // "" disables GeoIP bypass
	GeoIPData         []byte // raw "GEO1" bytes, re-parsed on change
	MTU               uint32
}

// muxDialDomain is the virtual destination the Mux VlessConnection's
// own VLESS request targets; the server peer recognizes it as a mux
// carrier rather than a real destination.
const muxDialDomain = "mux.cool"

// muxKeepAlive is the per-client idle-to-KeepAlive-frame period.
const muxKeepAlive = 30 * time.Second

// State bundles the routing document and the active default outbound,
// the two things that change together on switch_config/routing reload.
type State struct {
	Routing         *config.Routing
	DefaultConfigID string
}

// Engine is the core's single top-level object; one per running tunnel.
type Engine struct {
	logger *slog.Logger

	mu      sync.Mutex
	running atomic.Bool

	tunnel core.HostTunnel
	runCtx context.Context

	settings      Settings
	state         State
	bypassCountry uint16
	geo           *geoip.DB

	pool        *fakeip.Pool
	router      *router.Router
	interceptor atomic.Pointer[dnsintercept.Interceptor]
	stats       *metrics.Stats

	ns     *netstack.Stack
	udpMgr *udpflow.Manager
	muxMgr *mux.Manager

	defaultClient vlessclient.Config
	haveDefault   bool

	jobs   chan func()
	cancel context.CancelFunc
	group  *errgroup.Group

	db *bbolt.DB
}

// New builds an idle Engine; Start must be called to bring it up. A
// nil logger falls back to slog.Default(). db is optional: when non-nil
// the fake-IP pool is restored from it on Start and snapshotted back to
// it on Stop, surviving a full process restart rather than just an
// in-process reload; when nil the pool is purely in-memory for the
// process lifetime, which is how tests exercise the engine.
func New(logger *slog.Logger, db *bbolt.DB) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, pool: fakeip.New(), db: db}
}

// Start brings the engine up against tunnel with the given initial
// settings/state. The background stack/writer/sweep goroutines are
// launched, and Start blocks only long enough to know the stack
// initialized successfully.
func (e *Engine) Start(ctx context.Context, tunnel core.HostTunnel, settings Settings, state State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return errors.New("engine: already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)

	e.tunnel = tunnel
	e.runCtx = runCtx
	e.cancel = cancel
	e.group = group
	e.jobs = make(chan func(), 256)
	e.stats = metrics.New()

	if e.db != nil {
		if err := e.pool.Load(e.db); err != nil {
			cancel()
			return fmt.Errorf("engine: restore fake-ip pool: %w", err)
		}
	}

	if err := e.applySettingsLocked(settings); err != nil {
		cancel()
		return err
	}
	if err := e.applyStateLocked(state); err != nil {
		cancel()
		return err
	}
	e.maybeStartMux()

	ns, err := netstack.New(mtuOr(settings.MTU), e.onTCPAccept, e.onUDP)
	if err != nil {
		cancel()
		return fmt.Errorf("engine: start stack: %w", err)
	}
	e.ns = ns
	e.udpMgr = udpflow.NewManager(e.dialUDP, e.selectUDPPath)

	group.Go(func() error { e.runJobs(runCtx); return nil })
	ns.StartTimeouts(func() { e.submit(e.udpMgr.Sweep) })
	group.Go(func() error { ns.RunOutput(runCtx, e.writeOut); return nil })
	group.Go(func() error { return e.runInput(runCtx) })

	e.running.Store(true)
	e.logger.Info("engine started", "mtu", mtuOr(settings.MTU), "defaultConfig", state.DefaultConfigID)
	return nil
}

func mtuOr(mtu uint32) uint32 {
	if mtu == 0 {
		return 1400
	}
	return mtu
}

// runInput pumps frames from the host tunnel into the stack until ctx
// is canceled or the tunnel reports clean closure.
func (e *Engine) runInput(ctx context.Context) error {
	for {
		b, ok, err := e.tunnel.ReadPacket(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		e.stats.BytesOut.Add(float64(len(b)))
		e.ns.Input(b)
	}
}

func (e *Engine) writeOut(b []byte) {
	isIPv6 := len(b) > 0 && b[0]>>4 == 6
	e.stats.BytesIn.Add(float64(len(b)))
	if err := e.tunnel.WritePacket(b, isIPv6); err != nil {
		e.logger.Warn("write to host tunnel failed", "error", err)
	}
}

// Stop tears the engine down fully, discarding stats and every
// flow/session; a subsequent Start begins a fresh generation.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return
	}
	e.teardownLocked()
	e.running.Store(false)
	e.logger.Info("engine stopped")
}

// teardownLocked tears down the stack, stats, and every flow/session.
// Caller holds mu.
func (e *Engine) teardownLocked() {
	if e.db != nil {
		if err := e.pool.Save(e.db); err != nil {
			e.logger.Warn("save fake-ip pool failed", "error", err)
		}
	}
	if e.muxMgr != nil {
		e.muxMgr.CloseAll()
	}
	if e.udpMgr != nil {
		e.udpMgr.CloseAll()
	}
	if e.ns != nil {
		e.ns.Close()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		e.group.Wait()
	}
	if e.jobs != nil {
		close(e.jobs)
	}
	e.ns = nil
	e.udpMgr = nil
	e.muxMgr = nil
	e.jobs = nil
}

// runJobs is the stack context: the single goroutine every mutating
// call below funnels through.
func (e *Engine) runJobs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-e.jobs:
			if !ok {
				return
			}
			job()
		}
	}
}

// submit enqueues job onto the stack context, dropping it silently if
// the engine has since stopped (the queue is closed on teardown).
func (e *Engine) submit(job func()) {
	defer func() { recover() }() // jobs may close concurrently with Stop
	if e.jobs == nil {
		return
	}
	select {
	case e.jobs <- job:
	default:
		e.logger.Warn("stack context job queue full, dropping job")
	}
}

// submitWait is submit but blocks for job's completion, for entry
// points (NotifySettingsChanged, SwitchConfig, ReadStats) whose caller
// needs the result applied before returning.
func (e *Engine) submitWait(job func()) {
	done := make(chan struct{})
	e.submit(func() {
		defer close(done)
		job()
	})
	<-done
}

// NotifySettingsChanged is the "settings changed" reload trigger: IPv6,
// bypass country, DoH. A no-op if nothing actually differs.
func (e *Engine) NotifySettingsChanged(next Settings) error {
	if !e.running.Load() {
		return errors.New("engine: not running")
	}
	e.submitWait(func() {
		prev := e.settings
		if settingsEqual(prev, next) {
			return
		}
		ipv6Changed := prev.IPv6 != next.IPv6
		e.reloadLocked(func() error {
			return e.applySettingsLocked(next)
		})
		if ipv6Changed {
			e.tunnel.RequestReapply()
		}
	})
	return nil
}

func settingsEqual(a, b Settings) bool {
	return a.IPv6 == b.IPv6 && a.DoHEnabled == b.DoHEnabled &&
		a.BypassCountryCode == b.BypassCountryCode && a.MTU == b.MTU &&
		string(a.GeoIPData) == string(b.GeoIPData)
}

// NotifyRoutingChanged is the "routing changed" reload trigger.
func (e *Engine) NotifyRoutingChanged(routing *config.Routing) error {
	if !e.running.Load() {
		return errors.New("engine: not running")
	}
	e.submitWait(func() {
		e.reloadLocked(func() error {
			return e.applyStateLocked(State{Routing: routing, DefaultConfigID: e.state.DefaultConfigID})
		})
	})
	return nil
}

// SwitchConfig changes the active default outbound, following the
// same reload procedure as a settings or routing change.
func (e *Engine) SwitchConfig(defaultConfigID string) error {
	if !e.running.Load() {
		return errors.New("engine: not running")
	}
	e.submitWait(func() {
		e.reloadLocked(func() error {
			return e.applyStateLocked(State{Routing: e.state.Routing, DefaultConfigID: defaultConfigID})
		})
	})
	return nil
}

// reloadLocked tears down mux/UDP flows and the running stack, applies
// the new settings/state, then rebuilds the pool against the (possibly
// unchanged) router and reinitializes the stack. Runs on the stack
// context (called only from within a submitted job).
func (e *Engine) reloadLocked(apply func() error) {
	if e.muxMgr != nil {
		e.muxMgr.CloseAll()
		e.muxMgr = nil
	}
	if e.udpMgr != nil {
		e.udpMgr.CloseAll()
	}
	if e.ns != nil {
		e.ns.Close()
	}

	if err := apply(); err != nil {
		e.logger.Error("reload: apply failed, engine left stopped", "error", err)
		return
	}

	e.pool.Rebuild(e.router, e.knownConfig)
	e.maybeStartMux()

	ns, err := netstack.New(mtuOr(e.settings.MTU), e.onTCPAccept, e.onUDP)
	if err != nil {
		e.logger.Error("reload: restart stack failed", "error", err)
		return
	}
	e.ns = ns
	e.udpMgr = udpflow.NewManager(e.dialUDP, e.selectUDPPath)
	ns.StartTimeouts(func() { e.submit(e.udpMgr.Sweep) })
	e.logger.Info("engine reloaded", "defaultConfig", e.state.DefaultConfigID)
}

func (e *Engine) knownConfig(id string) bool {
	if e.state.Routing == nil {
		return false
	}
	_, ok := e.state.Routing.Configs[id]
	return ok
}

// applySettingsLocked parses and installs next, building the GeoIP DB
// it depends on. Runs on the stack context.
func (e *Engine) applySettingsLocked(next Settings) error {
	country, err := geoip.PackCountryCode(next.BypassCountryCode)
	if err != nil {
		return errkind.New(errkind.ConfigInvalid, err)
	}
	var db *geoip.DB
	if len(next.GeoIPData) > 0 {
		db, err = geoip.Parse(next.GeoIPData)
		if err != nil {
			return err
		}
	}
	e.settings = next
	e.bypassCountry = country
	e.geo = db
	if r := e.router; r != nil {
		e.interceptor.Store(dnsintercept.New(e.pool, r, next.IPv6, next.DoHEnabled))
	}
	return nil
}

// applyStateLocked installs the routing document and default outbound,
// rebuilding the router and the default client config. Runs on the
// stack context.
func (e *Engine) applyStateLocked(next State) error {
	r := router.New()
	var ids []string
	if next.Routing != nil {
		for id := range next.Routing.Configs {
			ids = append(ids, id)
		}
		for _, rule := range next.Routing.Rules {
			action := router.DirectAction()
			if rule.Action == "proxy" {
				action = router.ProxyAction(rule.ConfigID)
			}
			for _, d := range rule.DomainRules {
				switch d.Type {
				case "domain":
					r.AddExact(d.Value, action)
				case "domainSuffix":
					r.AddSuffix(d.Value, action)
				case "domainKeyword":
					r.AddKeyword(d.Value, action)
				}
			}
		}
	}
	r.SetKnownConfigs(ids)

	e.router = r
	e.state = next
	e.interceptor.Store(dnsintercept.New(e.pool, r, e.settings.IPv6, e.settings.DoHEnabled))

	e.haveDefault = false
	if next.Routing != nil && next.DefaultConfigID != "" {
		if vc, ok := next.Routing.Configs[next.DefaultConfigID]; ok {
			cc, err := vc.ToClientConfig()
			if err != nil {
				return err
			}
			e.defaultClient = cc
			e.haveDefault = true
		}
	}
	return nil
}

// maybeStartMux recreates the MuxManager iff the default config has
// Vision flow and mux enabled.
func (e *Engine) maybeStartMux() {
	if !e.haveDefault || e.state.Routing == nil {
		return
	}
	vc, ok := e.state.Routing.Configs[e.state.DefaultConfigID]
	if !ok || !vc.MuxEnabled {
		return
	}
	if e.defaultClient.Flow != vlessclient.FlowVision && e.defaultClient.Flow != vlessclient.FlowVisionUDP443 {
		return
	}
	e.muxMgr = mux.NewManager(e.muxDial, muxKeepAlive)
}

// ReadStats snapshots bytes_in/bytes_out without resetting them.
func (e *Engine) ReadStats() (bytesIn, bytesOut uint64) {
	if !e.running.Load() {
		return 0, 0
	}
	var in, out uint64
	e.submitWait(func() { in, out = e.stats.Read() })
	return in, out
}

// onTCPAccept is netstack's TCPAcceptFunc, dispatched onto the stack
// context to resolve the destination and decide bypass before handing
// off to tcpflow.Handler's own goroutine for the actual relay.
func (e *Engine) onTCPAccept(local tcpflow.LocalSide, id stack.TransportEndpointID) {
	e.submit(func() {
		destIP := net.IP(id.LocalAddress.AsSlice())
		dst, ok, err := tcpflow.Resolve(destIP, id.LocalPort, e.pool, e.geo, e.bypassCountry)
		if err != nil || !ok {
			local.Abort()
			return
		}
		handler := tcpflow.NewHandler(local, e.dialTCP, dst, dst.ForceBypass)
		ctx := e.runCtx
		e.group.Go(func() error {
			if err := handler.Run(ctx); err != nil {
				e.logger.Debug("tcp flow ended", "dst", dst.Host, "port", dst.Port, "error", err)
			}
			return nil
		})
	})
}

// onUDP is netstack's UDPAcceptFunc: DNS interception happens inline
// (it never creates a flow), everything else is dispatched onto the
// stack context to resolve destination/path and feed udpflow.Manager.
func (e *Engine) onUDP(id stack.TransportEndpointID, payload []byte, writeBack func([]byte) error) {
	destIP := net.IP(id.LocalAddress.AsSlice())
	if id.LocalPort == 53 {
		if ic := e.interceptorSnapshot(); ic != nil {
			if resp, handled := ic.Handle(payload); handled {
				writeBack(resp)
				return
			}
		}
	}

	e.submit(func() {
		dst := udpflow.Resolve(destIP, id.LocalPort, e.pool, e.geo, e.bypassCountry)
		key := udpflow.Key{
			SrcIP:   net.IP(id.RemoteAddress.AsSlice()).String(),
			SrcPort: id.RemotePort,
			DstIP:   destIP.String(),
			DstPort: id.LocalPort,
		}
		e.udpMgr.Handle(e.runCtx, key, dst, payload, writeBack)
	})
}

// interceptorSnapshot reads the current interceptor generation without
// going through the stack context: dnsintercept.Interceptor.Handle only
// touches the pool (self-locking) and an immutable router snapshot, so
// a synchronous DNS answer doesn't have to pay job-queue latency.
func (e *Engine) interceptorSnapshot() *dnsintercept.Interceptor {
	return e.interceptor.Load()
}

// resolveOutbound picks the VlessConfig a flow dials: the router's
// per-domain config when known, else the engine's current default.
func (e *Engine) resolveOutbound(configID string) (vlessclient.Config, bool) {
	if configID != "" && e.state.Routing != nil {
		if vc, ok := e.state.Routing.Configs[configID]; ok {
			cc, err := vc.ToClientConfig()
			if err == nil {
				return cc, true
			}
		}
	}
	if e.haveDefault {
		return e.defaultClient, true
	}
	return vlessclient.Config{}, false
}

func (e *Engine) isDefaultOutbound(configID string) bool {
	return configID == "" || configID == e.state.DefaultConfigID
}

// addrFields classifies host for a VLESS request header: a literal
// IPv4/IPv6 address or a domain name to be resolved by the server.
func addrFields(host string) (atyp byte, ip net.IP, domain string) {
	if parsed := net.ParseIP(host); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			return vless.AtypIPv4, v4, ""
		}
		return vless.AtypIPv6, parsed.To16(), ""
	}
	return vless.AtypDomainName, nil, host
}

// dialTCP is tcpflow.DialFunc: direct bypass dial, or a dedicated VLESS
// TCP connection to the resolved outbound. TCP is never muxed; only
// UDP flows use the Mux path.
func (e *Engine) dialTCP(ctx context.Context, dst tcpflow.Destination, bypass bool) (io.ReadWriteCloser, error) {
	if bypass {
		conn, err := e.rawDial(ctx, dst.Host, dst.Port)
		if err != nil {
			return nil, errkind.New(errkind.TransportDial, err)
		}
		return conn, nil
	}

	cc, ok := e.resolveOutbound(dst.ConfigID)
	if !ok {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("engine: no outbound for flow to %s:%d", dst.Host, dst.Port))
	}

	atyp, ip, domain := addrFields(dst.Host)
	req := vless.Request{UUID: cc.UUID, Command: vless.CommandTCP, Port: dst.Port, AddrType: atyp, Domain: domain, IP: ip}
	return vlessclient.Dial(ctx, e.rawDial, cc, req)
}

// dialUDP is udpflow.DialFunc, delegating to udpflow.Dialer for the
// three-way path split; Mux is only offered when the resolved outbound
// IS the current default config (the table's literal "default config"
// condition, enforced upstream by selectUDPPath).
func (e *Engine) dialUDP(ctx context.Context, dst udpflow.Destination, kind udpflow.PathKind, onRecv func([]byte)) (udpflow.Path, error) {
	cc, ok := e.resolveOutbound(dst.ConfigID)
	if !ok {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("engine: no outbound for flow to %s:%d", dst.Host, dst.Port))
	}
	d := &udpflow.Dialer{
		MuxManager:  e.muxMgr,
		XUDPEnabled: e.muxXUDPEnabled(),
		VlessDial:   e.rawDial,
		VlessConfig: cc,
	}
	return d.Dial(ctx, dst, kind, onRecv)
}

func (e *Engine) muxXUDPEnabled() bool {
	if e.state.Routing == nil {
		return false
	}
	vc, ok := e.state.Routing.Configs[e.state.DefaultConfigID]
	return ok && vc.XudpEnabled
}

// selectUDPPath is udpflow.Selector.
func (e *Engine) selectUDPPath(dst udpflow.Destination) udpflow.PathKind {
	if dst.ForceBypass {
		return udpflow.PathDirect
	}
	if e.muxMgr != nil && e.isDefaultOutbound(dst.ConfigID) {
		return udpflow.PathMux
	}
	return udpflow.PathVlessDedicated
}

// muxDial opens the single VlessConnection a MuxClient multiplexes
// over, targeting the mux carrier domain rather than a real
// destination.
func (e *Engine) muxDial(ctx context.Context) (net.Conn, error) {
	req := vless.Request{UUID: e.defaultClient.UUID, Command: vless.CommandTCP, AddrType: vless.AtypDomainName, Domain: muxDialDomain}
	return vlessclient.Dial(ctx, e.rawDial, e.defaultClient, req)
}

// rawDial is the vlessclient.DialFunc/mux.DialFunc raw TCP connect:
// net.Dialer already performs RFC 6555 happy-eyeballs dual-stack racing
// when given a hostname with both A/AAAA records, so no bespoke
// happy-eyeballs dialer is needed here.
func (e *Engine) rawDial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
}
