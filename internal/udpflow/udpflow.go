// Package udpflow implements the per-5-tuple UDP flow handler: one
// Flow per (src_ip, src_port, dst_ip, dst_port), a 16 KiB
// connecting-phase queue, a 200-flow global cap, and a 60s idle sweep.
// A flow queues datagrams in a FIFO while its outbound path is still
// connecting, and the periodic idle sweep closes and evicts it once
// traffic stops. The outbound side dials one of three paths: direct,
// mux, or a dedicated VLESS connection.
package udpflow

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/dualstack/veilbound/internal/tcpflow"
	"github.com/dualstack/veilbound/pkg/fakeip"
	"github.com/dualstack/veilbound/pkg/geoip"
)

const (
	// queueCap bounds the bytes a Flow accumulates while its path is
	// still connecting; further datagrams are silent UDP loss.
	queueCap = 16 * 1024
	// globalCap bounds concurrent flows; the 201st 5-tuple is dropped.
	globalCap = 200
	// idleTimeout is how long a flow may sit without activity in
	// either direction before the sweep closes it.
	idleTimeout = 60 * time.Second
)

// Key identifies one UDP flow by its 4-tuple.
type Key struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

// Destination is the resolved target of a flow's first datagram, after
// fake-IP substitution (mirrors tcpflow.Destination; UDP has no "miss
// inside fake-IP range" rejection since a datagram with no pool entry
// simply passes its literal IP through).
type Destination struct {
	Host        string
	Port        uint16
	ConfigID    string
	ForceBypass bool
}

// Resolve mirrors tcpflow.Resolve for UDP's first-datagram destination
// step: fake-IP substitution when backed, GeoIP/force_bypass folded
// in, otherwise the literal IP passes through. UDP has no
// accept to reject, so a stale fake-IP-range miss falls back to
// passthrough instead of failing the flow the way tcpflow.Resolve
// fails a TCP accept.
func Resolve(destIP net.IP, destPort uint16, pool *fakeip.Pool, geo *geoip.DB, bypassCountry uint16) Destination {
	dst, ok, err := tcpflow.Resolve(destIP, destPort, pool, geo, bypassCountry)
	if !ok || err != nil {
		return Destination{Host: destIP.String(), Port: destPort}
	}
	return Destination{Host: dst.Host, Port: dst.Port, ConfigID: dst.ConfigID, ForceBypass: dst.ForceBypass}
}

// PathKind selects which upstream a flow dials.
type PathKind int

const (
	PathDirect PathKind = iota
	PathMux
	PathVlessDedicated
)

// Selector decides a new flow's PathKind from its resolved destination
// and the current default-config policy (force_bypass/GeoIP already
// folded into dst.ForceBypass by the caller).
type Selector func(dst Destination) PathKind

// Path is the narrow upstream view a Flow drives.
type Path interface {
	Send(payload []byte) error
	Close() error
}

// DialFunc opens the Path for dst under the selected kind; onRecv is
// called for every upstream response datagram, already de-framed if
// the path multiplexes a byte stream.
type DialFunc func(ctx context.Context, dst Destination, kind PathKind, onRecv func([]byte)) (Path, error)

// WriteBack forwards one response payload to the original source,
// bound by the caller to the stack's udp_sendto(dst_ip<->src_ip, ...).
type WriteBack func(payload []byte) error

type flowState int

const (
	stateConnecting flowState = iota
	stateEstablished
	stateClosed
)

// Flow is one (src,dst) UDP relay: a queue while the path connects,
// direct forwarding once established.
type Flow struct {
	key       Key
	dst       Destination
	writeBack WriteBack

	mu           sync.Mutex
	state        flowState
	queue        [][]byte
	queuedBytes  int
	path         Path
	lastActivity time.Time
}

func newFlow(key Key, dst Destination, wb WriteBack) *Flow {
	return &Flow{key: key, dst: dst, writeBack: wb, state: stateConnecting, lastActivity: time.Now()}
}

func (f *Flow) touch() {
	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

// enqueue delivers payload immediately if the path is up, queues it
// while connecting (dropping silently past queueCap), or drops it if
// the flow already closed.
func (f *Flow) enqueue(payload []byte) error {
	f.mu.Lock()
	switch f.state {
	case stateEstablished:
		path := f.path
		f.mu.Unlock()
		return path.Send(payload)
	case stateClosed:
		f.mu.Unlock()
		return nil
	default:
		if f.queuedBytes+len(payload) > queueCap {
			f.mu.Unlock()
			return nil
		}
		f.queue = append(f.queue, append([]byte(nil), payload...))
		f.queuedBytes += len(payload)
		f.mu.Unlock()
		return nil
	}
}

// deliver hands one upstream response to the original source.
func (f *Flow) deliver(payload []byte) {
	f.touch()
	_ = f.writeBack(payload)
}

func (f *Flow) idleSince() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastActivity)
}

func (f *Flow) close() {
	f.mu.Lock()
	if f.state == stateClosed {
		f.mu.Unlock()
		return
	}
	f.state = stateClosed
	path := f.path
	f.mu.Unlock()
	if path != nil {
		path.Close()
	}
}

// Manager owns every active Flow and the dial/selection policy shared
// across them.
type Manager struct {
	dial     DialFunc
	selector Selector

	mu    sync.Mutex
	flows map[Key]*Flow
}

func NewManager(dial DialFunc, selector Selector) *Manager {
	return &Manager{dial: dial, selector: selector, flows: make(map[Key]*Flow)}
}

// Handle is given one inbound datagram already known to not be a DNS
// interceptor hit. It creates the flow on first sight, applying the
// 200-flow cap, and relays the datagram either into the queue or
// straight to the path.
func (m *Manager) Handle(ctx context.Context, key Key, dst Destination, payload []byte, writeBack WriteBack) {
	m.mu.Lock()
	f, ok := m.flows[key]
	if ok {
		m.mu.Unlock()
		f.touch()
		f.enqueue(payload)
		return
	}
	if len(m.flows) >= globalCap {
		m.mu.Unlock()
		return
	}
	f = newFlow(key, dst, writeBack)
	m.flows[key] = f
	m.mu.Unlock()

	f.enqueue(payload)
	m.dialFlow(ctx, f)
}

func (m *Manager) dialFlow(ctx context.Context, f *Flow) {
	kind := m.selector(f.dst)
	go func() {
		path, err := m.dial(ctx, f.dst, kind, f.deliver)
		if err != nil {
			m.removeFlow(f.key)
			return
		}

		f.mu.Lock()
		if f.state == stateClosed {
			f.mu.Unlock()
			path.Close()
			return
		}
		f.path = path
		f.state = stateEstablished
		queued := f.queue
		f.queue = nil
		f.queuedBytes = 0
		f.mu.Unlock()

		for _, p := range queued {
			if err := path.Send(p); err != nil {
				m.removeFlow(f.key)
				return
			}
		}
	}()
}

func (m *Manager) removeFlow(key Key) {
	m.mu.Lock()
	f, ok := m.flows[key]
	if ok {
		delete(m.flows, key)
	}
	m.mu.Unlock()
	if ok {
		f.close()
	}
}

// Sweep closes every flow idle beyond idleTimeout; driven by the
// stack's 250 ms check_timeouts tick.
func (m *Manager) Sweep() {
	m.mu.Lock()
	var stale []*Flow
	for k, f := range m.flows {
		if f.idleSince() >= idleTimeout {
			stale = append(stale, f)
			delete(m.flows, k)
		}
	}
	m.mu.Unlock()

	for _, f := range stale {
		f.close()
	}
}

// CloseAll tears down every flow, for the reload controller's
// teardown step.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	flows := m.flows
	m.flows = make(map[Key]*Flow)
	m.mu.Unlock()

	for _, f := range flows {
		f.close()
	}
}

// Count reports the number of active flows.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}
