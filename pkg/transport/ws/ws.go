// Package ws implements the WebSocket transport: an HTTP-GET upgrade
// carrying optional early data, turned into a plain net.Conn for the
// VLESS layer above it. The handshake is deferred to the first Write
// so the early-data payload is known before headers are built, built
// on github.com/coder/websocket.
package ws

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dualstack/veilbound/pkg/errkind"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Params configures the WS handshake.
type Params struct {
	Host            string
	Path            string
	Headers         map[string]string
	MaxEarlyData    int    // "ed" URL param; 0 disables early data
	EarlyDataHeader string // default Sec-WebSocket-Protocol
	HeartbeatPeriod time.Duration
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// Dial upgrades conn (already connected, possibly already TLS-wrapped)
// to a WebSocket, deferring the handshake to the first Write so any
// early-data payload can be folded into the upgrade request.
func Dial(ctx context.Context, conn net.Conn, p Params) net.Conn {
	return &earlyConn{ctx: ctx, conn: conn, params: p, handshakeSignal: make(chan struct{})}
}

type earlyConn struct {
	ctx    context.Context
	conn   net.Conn
	params Params

	mu              sync.Mutex
	upgraded        bool
	handshakeSignal chan struct{}
	handshakeErr    error
	closed          bool
	wsConn          net.Conn
}

func (e *earlyConn) Read(b []byte) (int, error) {
	<-e.handshakeSignal
	e.mu.Lock()
	conn := e.wsConn
	err := e.handshakeErr
	e.mu.Unlock()
	if conn == nil {
		if err != nil {
			return 0, err
		}
		return 0, net.ErrClosed
	}
	return conn.Read(b)
}

func (e *earlyConn) Write(b []byte) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, net.ErrClosed
	}
	if e.upgraded {
		conn := e.wsConn
		e.mu.Unlock()
		return conn.Write(b)
	}
	e.mu.Unlock()

	return e.handshake(b)
}

func (e *earlyConn) handshake(b []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.upgraded {
		return e.wsConn.Write(b)
	}
	if e.closed {
		return 0, net.ErrClosed
	}
	defer close(e.handshakeSignal)

	header := http.Header{}
	header.Set("User-Agent", defaultUserAgent)
	header.Set("Host", e.params.Host)
	for k, v := range e.params.Headers {
		header.Set(k, v)
	}

	earlyDataHeader := e.params.EarlyDataHeader
	if earlyDataHeader == "" {
		earlyDataHeader = "Sec-WebSocket-Protocol"
	}

	var wroteEarly bool
	if e.params.MaxEarlyData > 0 && len(b) > 0 && len(b) <= e.params.MaxEarlyData {
		header.Set(earlyDataHeader, base64.RawURLEncoding.EncodeToString(b))
		wroteEarly = true
	}

	path := normalizePath(e.params.Path)
	url := "ws://" + e.params.Host + path

	wsConn, _, err := websocket.Dial(e.ctx, url, &websocket.DialOptions{
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return e.conn, nil
				},
			},
		},
		HTTPHeader: header,
	})
	if err != nil {
		e.handshakeErr = errkind.New(errkind.TransportDial, fmt.Errorf("ws: dial: %w", err))
		return 0, e.handshakeErr
	}

	e.wsConn = websocket.NetConn(e.ctx, wsConn, websocket.MessageBinary)
	e.upgraded = true

	if e.params.HeartbeatPeriod > 0 {
		go e.heartbeat(wsConn)
	}

	if wroteEarly {
		return len(b), nil
	}
	return e.wsConn.Write(b)
}

func (e *earlyConn) heartbeat(wsConn *websocket.Conn) {
	ticker := time.NewTicker(e.params.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
			err := wsConn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (e *earlyConn) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	select {
	case <-e.handshakeSignal:
	default:
		close(e.handshakeSignal)
	}
	if e.wsConn != nil {
		return e.wsConn.Close()
	}
	return e.conn.Close()
}

func (e *earlyConn) LocalAddr() net.Addr  { return e.conn.LocalAddr() }
func (e *earlyConn) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

func (e *earlyConn) SetDeadline(t time.Time) error {
	e.mu.Lock()
	conn := e.wsConn
	e.mu.Unlock()
	if conn != nil {
		return conn.SetDeadline(t)
	}
	return e.conn.SetDeadline(t)
}

func (e *earlyConn) SetReadDeadline(t time.Time) error {
	e.mu.Lock()
	conn := e.wsConn
	e.mu.Unlock()
	if conn != nil {
		return conn.SetReadDeadline(t)
	}
	return e.conn.SetReadDeadline(t)
}

func (e *earlyConn) SetWriteDeadline(t time.Time) error {
	e.mu.Lock()
	conn := e.wsConn
	e.mu.Unlock()
	if conn != nil {
		return conn.SetWriteDeadline(t)
	}
	return e.conn.SetWriteDeadline(t)
}
