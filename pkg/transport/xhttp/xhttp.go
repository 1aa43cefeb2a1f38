// Package xhttp implements the two XHTTP sub-modes: stream-one (one
// long-lived HTTP/2 POST carries both directions) and
// packet-up (uplink is short rate-limited POSTs, downlink is one
// long-lived GET). Stream-one is built on golang.org/x/net/http2 and
// always runs over HTTP/2; github.com/quic-go/quic-go/http3 is used
// only for the mode=auto HTTP/3 probe, whose result does not change the
// transport. Packet-up's upload pacing uses golang.org/x/time/rate.
package xhttp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dualstack/veilbound/pkg/errkind"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

type Mode string

const (
	ModeAuto      Mode = "auto"
	ModePacketUp  Mode = "packet-up"
	ModeStreamOne Mode = "stream-one"
)

type Params struct {
	Host       string
	Path       string
	Headers    map[string]string
	Mode       Mode
	NoGRPCWeb  bool
	TLSConfig  *tls.Config // nil for non-TLS-wrapped dials
	UploadRate rate.Limit  // packet-up pacing; 0 disables limiting
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

// Dial establishes the XHTTP transport over a connection produced by
// dialRaw (one new TCP connection per call; stream-one and packet-up's
// downlink GET each own one). mode=auto sends an HTTP/3 probe request
// and then dials the HTTP/2 stream-one leg whether or not the probe
// succeeded; no HTTP/3 data path exists.
func Dial(ctx context.Context, dialRaw func(context.Context) (net.Conn, error), p Params) (net.Conn, error) {
	mode := p.Mode
	if mode == "" || mode == ModeAuto {
		// auto probes HTTP/3 but discards the result: stream-one over
		// HTTP/2 is always chosen, and packet-up only runs when the
		// mode names it explicitly.
		_ = probeHTTP3(ctx, p)
		mode = ModeStreamOne
	}

	switch mode {
	case ModePacketUp:
		return dialPacketUp(ctx, dialRaw, p)
	default:
		return dialStreamOne(ctx, dialRaw, p)
	}
}

func probeHTTP3(ctx context.Context, p Params) bool {
	if p.TLSConfig == nil {
		return false
	}
	rt := &http3.Transport{TLSClientConfig: p.TLSConfig}
	defer rt.Close()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+p.Host+normalizePath(p.Path), nil)
	if err != nil {
		return false
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// dialStreamOne opens one HTTP/2 POST whose request body and response
// body together form the bidirectional stream: the request body is fed
// by an io.Pipe written by the VLESS write side, and the response body
// is read by the VLESS receive side, so one request/response pair IS
// the connection.
func dialStreamOne(ctx context.Context, dialRaw func(context.Context) (net.Conn, error), p Params) (net.Conn, error) {
	pr, pw := io.Pipe()

	transport := &http2.Transport{
		AllowHTTP: p.TLSConfig == nil,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			return dialRaw(ctx)
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+p.Host+normalizePath(p.Path), pr)
	if err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, err)
	}
	applyHeaders(req, p)

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := transport.RoundTrip(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case err := <-errCh:
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("xhttp: stream-one: %w", err))
	case resp := <-respCh:
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, errkind.New(errkind.TransportDial, fmt.Errorf("xhttp: stream-one: status %d", resp.StatusCode))
		}
		return &streamOneConn{writeSide: pw, readSide: resp.Body}, nil
	case <-ctx.Done():
		return nil, errkind.New(errkind.TransportDial, ctx.Err())
	}
}

func applyHeaders(req *http.Request, p Params) {
	req.Header.Set("Host", p.Host)
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if p.NoGRPCWeb {
		req.Header.Del("Content-Type")
	} else {
		req.Header.Set("Content-Type", "application/grpc")
	}
}

type streamOneConn struct {
	writeSide *io.PipeWriter
	readSide  io.ReadCloser
}

func (c *streamOneConn) Read(b []byte) (int, error)  { return c.readSide.Read(b) }
func (c *streamOneConn) Write(b []byte) (int, error) { return c.writeSide.Write(b) }
func (c *streamOneConn) Close() error {
	werr := c.writeSide.Close()
	rerr := c.readSide.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
func (c *streamOneConn) LocalAddr() net.Addr                { return noAddr{} }
func (c *streamOneConn) RemoteAddr() net.Addr                { return noAddr{} }
func (c *streamOneConn) SetDeadline(t time.Time) error       { return nil }
func (c *streamOneConn) SetReadDeadline(t time.Time) error    { return nil }
func (c *streamOneConn) SetWriteDeadline(t time.Time) error   { return nil }

type noAddr struct{}

func (noAddr) Network() string { return "xhttp" }
func (noAddr) String() string  { return "xhttp" }

// dialPacketUp paces successive short POSTs (uplink) with a rate
// limiter so a tight write loop can't flood the server with one POST
// per tiny buffer, and reads the long-lived GET response body (one per
// connection lifetime) for downlink.
func dialPacketUp(ctx context.Context, dialRaw func(context.Context) (net.Conn, error), p Params) (net.Conn, error) {
	client := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: p.TLSConfig == nil,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return dialRaw(ctx)
			},
		},
	}

	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+p.Host+normalizePath(p.Path), nil)
	if err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, err)
	}
	applyHeaders(getReq, p)
	downResp, err := client.Do(getReq)
	if err != nil {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("xhttp: packet-up: downlink GET: %w", err))
	}
	if downResp.StatusCode != http.StatusOK {
		downResp.Body.Close()
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("xhttp: packet-up: downlink status %d", downResp.StatusCode))
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if p.UploadRate > 0 {
		limiter = rate.NewLimiter(p.UploadRate, 1)
	}

	return &packetUpConn{
		ctx:     ctx,
		client:  client,
		url:     "https://" + p.Host + normalizePath(p.Path),
		params:  p,
		limiter: limiter,
		down:    downResp.Body,
	}, nil
}

type packetUpConn struct {
	ctx     context.Context
	client  *http.Client
	url     string
	params  Params
	limiter *rate.Limiter
	down    io.ReadCloser

	mu sync.Mutex
}

func (c *packetUpConn) Read(b []byte) (int, error) { return c.down.Read(b) }

func (c *packetUpConn) Write(b []byte) (int, error) {
	if err := c.limiter.Wait(c.ctx); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.url, io.NopCloser(newByteReader(b)))
	if err != nil {
		return 0, err
	}
	applyHeaders(req, c.params)
	req.ContentLength = int64(len(b))

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errkind.New(errkind.TransportDial, fmt.Errorf("xhttp: packet-up: upload POST: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, errkind.New(errkind.TransportDial, fmt.Errorf("xhttp: packet-up: upload status %d", resp.StatusCode))
	}
	return len(b), nil
}

func (c *packetUpConn) Close() error                      { return c.down.Close() }
func (c *packetUpConn) LocalAddr() net.Addr                { return noAddr{} }
func (c *packetUpConn) RemoteAddr() net.Addr                { return noAddr{} }
func (c *packetUpConn) SetDeadline(t time.Time) error       { return nil }
func (c *packetUpConn) SetReadDeadline(t time.Time) error    { return nil }
func (c *packetUpConn) SetWriteDeadline(t time.Time) error   { return nil }

func newByteReader(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}
