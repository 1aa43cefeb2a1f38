// Package httpupgrade implements the HTTP-Upgrade transport: the same
// GET-upgrade handshake shape as WebSocket, but once the 101 response
// lands the bytes are raw TCP, no framing. There is no RFC 6455 frame
// codec to delegate to here, and no ecosystem library models "101 then
// plain passthrough", so the handshake is hand-written against the
// same request/response shape WebSocket uses.
package httpupgrade

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/dualstack/veilbound/pkg/errkind"
)

type Params struct {
	Host    string
	Path    string
	Headers map[string]string
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

// Handshake performs the GET-upgrade exchange over conn and, on a
// validated 101, returns conn itself ready for raw byte passthrough.
func Handshake(conn net.Conn, p Params) (net.Conn, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+p.Host+normalizePath(p.Path), nil)
	if err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, err)
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Host", p.Host)
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	if err := req.Write(conn); err != nil {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("httpupgrade: write request: %w", err))
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("httpupgrade: read response: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("httpupgrade: unexpected status %d", resp.StatusCode))
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("httpupgrade: missing/bad Upgrade header"))
	}
	if !containsTokenFold(resp.Header.Get("Connection"), "upgrade") {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("httpupgrade: missing/bad Connection header"))
	}

	// br may already hold bytes read past the response headers (the
	// server's first reply frame arriving in the same TCP segment);
	// preserve them by routing subsequent reads through br instead of
	// conn directly.
	return &bufferedConn{Conn: conn, r: br}, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func containsTokenFold(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
