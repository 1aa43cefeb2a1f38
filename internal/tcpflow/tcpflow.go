// Package tcpflow implements the per-accepted-connection TCP handler:
// destination resolution against the fake-IP pool, GeoIP bypass
// decision, a bounded-handshake outbound dial, and a pull-model relay
// with an overflow buffer standing in for the userspace stack's lack
// of a blocking Write. Pooled buffers carry the outbound->local read
// path; the local side has no
// blocking Write, only send-buffer headroom and a sent callback, so
// that direction is driven by the explicit pull/overflow protocol
// below instead of io.Copy.
package tcpflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dualstack/veilbound/pkg/errkind"
	"github.com/dualstack/veilbound/pkg/fakeip"
	"github.com/dualstack/veilbound/pkg/geoip"
)

type State int

const (
	StateConnecting State = iota
	StateEstablished
	StateUplinkHalfClosed
	StateDownlinkHalfClosed
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateUplinkHalfClosed:
		return "uplink-half-closed"
	case StateDownlinkHalfClosed:
		return "downlink-half-closed"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

const (
	handshakeTimeout   = 60 * time.Second
	idleTimeout        = 300 * time.Second
	halfCloseTimeout   = 1 * time.Second
	overflowCap        = 512 * 1024
	maxWriteChunk      = 65535
	writeChunkPoolSize = maxWriteChunk
)

var bufPool = sync.Pool{New: func() any { return make([]byte, writeChunkPoolSize) }}

// LocalSide is the narrow view of the userspace stack's TCP endpoint a
// Handler drives: tcp_write/tcp_sndbuf/tcp_output/tcp_recved/
// tcp_close/tcp_abort, bound here to a Go-idiomatic interface rather
// than gVisor's tcpip.Endpoint directly, so this package has no
// gvisor dependency of its own.
type LocalSide interface {
	// Read pulls the next chunk of bytes the local peer sent upstream;
	// blocks until data, EOF, or ctx's deadline.
	Read(ctx context.Context, p []byte) (int, error)
	// SndBuf reports current local send-buffer headroom in bytes.
	SndBuf() int
	// Write appends up to len(p) bytes to the local send buffer,
	// returning how many were accepted (<=SndBuf()).
	Write(p []byte) (int, error)
	// Output flushes queued writes onto the wire (tcp_output).
	Output() error
	// CloseWrite half-closes local->app once downlink is done.
	CloseWrite() error
	// CloseRead half-closes app->local once uplink is done.
	CloseRead() error
	// Close fully closes the local endpoint (tcp_close).
	Close() error
	// Abort tears down the local endpoint immediately (tcp_abort).
	Abort()
}

// Destination is the resolved target of a TCP accept, after fake-IP
// substitution.
type Destination struct {
	Host        string
	Port        uint16
	ConfigID    string
	ForceBypass bool
}

// DialFunc opens the outbound connection for dst, already wrapping
// VLESS/transport/security as appropriate; bypass dials a direct
// net.Conn instead. Supplied by the engine so this package stays
// ignorant of vlessclient/mux wiring specifics.
type DialFunc func(ctx context.Context, dst Destination, bypass bool) (io.ReadWriteCloser, error)

// Resolve applies the destination-resolution and bypass-decision
// rules. The bool return is false only when destIP falls inside the
// fake-IP range but has no pool entry (a stale socket racing an
// eviction); the caller must reject the accept in that case.
func Resolve(destIP net.IP, destPort uint16, pool *fakeip.Pool, geo *geoip.DB, bypassCountry uint16) (Destination, bool, error) {
	dst := Destination{Host: destIP.String(), Port: destPort}

	if entry, ok := fakeIPLookup(pool, destIP); ok {
		dst.Host = entry.Domain
		dst.ConfigID = entry.ConfigID
		dst.ForceBypass = entry.IsDirect
	} else if inFakeIPRange(destIP) {
		return Destination{}, false, errkind.New(errkind.ConfigInvalid, fmt.Errorf("tcpflow: fake-ip miss for %s", destIP))
	}

	if !dst.ForceBypass && bypassCountry != 0 && geo != nil {
		if geo.LookupIP(destIP) == bypassCountry {
			dst.ForceBypass = true
		}
	}

	return dst, true, nil
}

func fakeIPLookup(pool *fakeip.Pool, ip net.IP) (*fakeip.Entry, bool) {
	if off, ok := fakeip.OffsetFromIPv4(ip); ok {
		return pool.Lookup(off)
	}
	if off, ok := fakeip.OffsetFromIPv6(ip); ok {
		return pool.Lookup(off)
	}
	return nil, false
}

func inFakeIPRange(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		return v4[0] == 198 && (v4[1] == 18 || v4[1] == 19)
	}
	v6 := ip.To16()
	return v6 != nil && v6[0] == 0xfc && v6[1] == 0x00
}

// Handler drives one accepted connection end to end.
type Handler struct {
	local  LocalSide
	dial   DialFunc
	dst    Destination
	bypass bool

	mu    sync.Mutex
	state State

	outbound io.ReadWriteCloser

	overflow []byte

	lastActivity time.Time
	uplinkDone   bool
	downlinkDone bool
}

func NewHandler(local LocalSide, dial DialFunc, dst Destination, bypass bool) *Handler {
	return &Handler{
		local:  local,
		dial:   dial,
		dst:    dst,
		bypass: bypass,
		state:  StateConnecting,
	}
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Run dials the outbound under the handshake timer, then relays until
// both directions finish, a timeout fires, or an error aborts the flow.
func (h *Handler) Run(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	outbound, err := h.dial(hsCtx, h.dst, h.bypass)
	cancel()
	if err != nil {
		h.abort()
		return errkind.New(errkind.TransportDial, err)
	}
	h.outbound = outbound
	h.setState(StateEstablished)
	h.touch()

	errCh := make(chan error, 2)
	go func() { errCh <- h.uplinkLoop(ctx) }()
	go func() { errCh <- h.downlinkLoop(ctx) }()

	idleCtx, idleCancel := context.WithCancel(ctx)
	defer idleCancel()
	go h.idleWatcher(idleCtx)

	var firstErr error
	for i := 0; i < 2; i++ {
		if e := <-errCh; e != nil && firstErr == nil {
			firstErr = e
		}
	}

	if firstErr != nil {
		h.abort()
		return firstErr
	}

	h.finish()
	return nil
}

// uplinkLoop is the natural pull: each local Read blocks for the next
// chunk of app data and is forwarded to outbound verbatim.
func (h *Handler) uplinkLoop(ctx context.Context) error {
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		n, err := h.local.Read(ctx, buf)
		if n > 0 {
			h.touch()
			if _, werr := h.outbound.Write(buf[:n]); werr != nil {
				return errkind.New(errkind.TransportDial, fmt.Errorf("tcpflow: uplink write: %w", werr))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				h.markUplinkDone()
				return nil
			}
			return errkind.New(errkind.TransportDial, fmt.Errorf("tcpflow: uplink read: %w", err))
		}
	}
}

// downlinkLoop implements the pull/overflow protocol: request one
// chunk from outbound, write into the local send buffer, and if it
// doesn't all fit, hold the remainder in overflow. The loop keeps
// pulling from outbound even while backed up, since real tcp_sndbuf
// exhaustion is transient, and NotifySent (driven by tcp_sent) drains
// overflow concurrently; only the 512 KiB cap is a hard stop.
func (h *Handler) downlinkLoop(ctx context.Context) error {
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		n, err := h.outbound.Read(buf)
		if n > 0 {
			h.touch()
			if perr := h.pushDownlink(buf[:n]); perr != nil {
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.markDownlinkDone()
				return nil
			}
			return errkind.New(errkind.TransportDial, fmt.Errorf("tcpflow: downlink read: %w", err))
		}
	}
}

// pushDownlink first drains any existing backlog as far as the
// current send-buffer headroom allows, then either writes p directly
// (no backlog remained) or queues it behind the backlog, capped by
// overflowCap. Each accepted local write is followed by Output.
func (h *Handler) pushDownlink(p []byte) error {
	h.mu.Lock()
	h.drainLocked()

	if len(h.overflow) == 0 {
		for len(p) > 0 {
			sndbuf := h.local.SndBuf()
			chunk := min(len(p), maxWriteChunk, sndbuf)
			if chunk <= 0 {
				break
			}
			n, err := h.local.Write(p[:chunk])
			if err != nil {
				h.mu.Unlock()
				return errkind.New(errkind.TransportDial, fmt.Errorf("tcpflow: local write: %w", err))
			}
			if err := h.local.Output(); err != nil {
				h.mu.Unlock()
				return errkind.New(errkind.TransportDial, fmt.Errorf("tcpflow: local output: %w", err))
			}
			p = p[n:]
		}
	}

	if len(p) == 0 {
		h.mu.Unlock()
		return nil
	}

	if len(h.overflow)+len(p) > overflowCap {
		h.mu.Unlock()
		h.abort()
		return errkind.New(errkind.BackpressureOverflow, fmt.Errorf("tcpflow: overflow exceeds %d bytes", overflowCap))
	}
	h.overflow = append(h.overflow, p...)
	h.mu.Unlock()
	return nil
}

// drainLocked pushes as much of overflow into the local send buffer
// as current headroom allows. Caller holds mu.
func (h *Handler) drainLocked() {
	for len(h.overflow) > 0 {
		sndbuf := h.local.SndBuf()
		if sndbuf <= 0 {
			return
		}
		chunk := min(len(h.overflow), maxWriteChunk, sndbuf)
		n, err := h.local.Write(h.overflow[:chunk])
		if err != nil {
			return
		}
		if err := h.local.Output(); err != nil {
			return
		}
		h.overflow = h.overflow[n:]
	}
}

// NotifySent is called by the stack binding on tcp_sent (local ACKs
// advancing send-buffer headroom); it drains as much of overflow as
// now fits.
func (h *Handler) NotifySent() {
	h.mu.Lock()
	h.drainLocked()
	h.mu.Unlock()
}

func (h *Handler) markUplinkDone() {
	h.mu.Lock()
	h.uplinkDone = true
	both := h.downlinkDone
	if !both {
		h.state = StateUplinkHalfClosed
	}
	h.mu.Unlock()
	h.local.CloseRead()
	if cw, ok := h.outbound.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

func (h *Handler) markDownlinkDone() {
	h.mu.Lock()
	h.downlinkDone = true
	both := h.uplinkDone
	if !both {
		h.state = StateDownlinkHalfClosed
	}
	h.mu.Unlock()
}

func (h *Handler) idleWatcher(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			since := time.Since(h.lastActivity)
			uplinkOnly := h.uplinkDone && !h.downlinkDone
			downlinkOnly := h.downlinkDone && !h.uplinkDone
			h.mu.Unlock()

			if since >= idleTimeout {
				h.abort()
				return
			}
			if uplinkOnly && since >= halfCloseTimeout {
				h.abort()
				return
			}
			if downlinkOnly && since >= halfCloseTimeout {
				h.abort()
				return
			}
		}
	}
}

func (h *Handler) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *Handler) finish() {
	h.mu.Lock()
	h.state = StateClosed
	h.mu.Unlock()

	h.NotifySent() // flush whatever overflow remains before tcp_close
	h.local.Close()
	if h.outbound != nil {
		h.outbound.Close()
	}
}

func (h *Handler) abort() {
	h.mu.Lock()
	if h.state == StateAborted || h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateAborted
	h.mu.Unlock()

	h.local.Abort()
	if h.outbound != nil {
		h.outbound.Close()
	}
}
