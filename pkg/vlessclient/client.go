// Package vlessclient wires together the transport adapters
// (pkg/transport/ws, httpupgrade, xhttp), TLS/Reality (pkg/reality,
// crypto/tls), and Vision (pkg/vision) layers into one VLESS outbound
// connection: dial, apply security, apply transport, send the request
// header, consume the response header.
package vlessclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/dualstack/veilbound/pkg/errkind"
	"github.com/dualstack/veilbound/pkg/reality"
	"github.com/dualstack/veilbound/pkg/transport/httpupgrade"
	"github.com/dualstack/veilbound/pkg/transport/ws"
	"github.com/dualstack/veilbound/pkg/transport/xhttp"
	"github.com/dualstack/veilbound/pkg/vision"
	"github.com/dualstack/veilbound/pkg/vless"
)

type Transport string

const (
	TransportTCP         Transport = "tcp"
	TransportWS          Transport = "ws"
	TransportHTTPUpgrade Transport = "httpupgrade"
	TransportXHTTP       Transport = "xhttp"
)

type Flow string

const (
	FlowNone          Flow = "none"
	FlowVision        Flow = "vision"
	FlowVisionUDP443  Flow = "vision-udp443"
)

type Security string

const (
	SecurityNone     Security = "none"
	SecurityTLS      Security = "tls"
	SecurityReality  Security = "reality"
)

// Config is the dial-time view of a VlessConfig, narrowed to what the
// client needs to open one outbound connection.
type Config struct {
	ServerAddr string
	ServerPort uint16
	UUID       [16]byte

	Transport Transport
	Flow      Flow
	Security  Security

	TLSServerName     string
	TLSALPN           []string
	TLSAllowInsecure  bool
	TLSFingerprint    string

	RealityServerName  string
	RealityPublicKey   [32]byte
	RealityShortID     []byte
	RealityFingerprint reality.FingerprintTag

	WSParams          ws.Params
	HTTPUpgradeParams httpupgrade.Params
	XHTTPParams       xhttp.Params

	VisionSeed vision.Seed
}

// DialFunc opens the raw TCP connection to the server; injected so
// tests can substitute an in-memory pipe and the happy-eyeballs dialer
// from the ambient stack can be substituted in production wiring.
type DialFunc func(ctx context.Context, host string, port uint16) (net.Conn, error)

// Dial opens one VLESS outbound connection for dst and returns it ready
// for the caller to Read/Write application bytes; the VLESS response
// header has already been consumed exactly once.
func Dial(ctx context.Context, dial DialFunc, cfg Config, dst vless.Request) (net.Conn, error) {
	raw, err := dial(ctx, cfg.ServerAddr, cfg.ServerPort)
	if err != nil {
		return nil, errkind.New(errkind.TransportDial, fmt.Errorf("vless: tcp connect: %w", err))
	}

	conn, err := applySecurity(ctx, raw, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}

	conn, err = applyTransport(ctx, conn, cfg, dial)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := vless.EncodeRequest(conn, &dst); err != nil {
		conn.Close()
		return nil, err
	}

	if err := vless.DecodeResponse(conn); err != nil {
		conn.Close()
		return nil, err
	}

	if cfg.Flow == FlowVision || cfg.Flow == FlowVisionUDP443 {
		seed := cfg.VisionSeed
		if seed == (vision.Seed{}) {
			seed = vision.DefaultSeed()
		}
		conn = vision.NewConn(conn, seed)
	}

	return conn, nil
}

func applySecurity(ctx context.Context, conn net.Conn, cfg Config) (net.Conn, error) {
	switch cfg.Security {
	case SecurityTLS:
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         cfg.TLSServerName,
			InsecureSkipVerify: cfg.TLSAllowInsecure,
			NextProtos:         cfg.TLSALPN,
			MinVersion:         tls.VersionTLS13,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, errkind.New(errkind.TransportDial, fmt.Errorf("vless: tls handshake: %w", err))
		}
		return tlsConn, nil
	case SecurityReality:
		rconn, err := reality.Handshake(ctx, conn, reality.Params{
			ServerName:  cfg.RealityServerName,
			PublicKey:   cfg.RealityPublicKey,
			ShortID:     cfg.RealityShortID,
			Fingerprint: cfg.RealityFingerprint,
			ALPN:        cfg.TLSALPN,
		})
		if err != nil {
			return nil, err
		}
		return rconn, nil
	default:
		return conn, nil
	}
}

func applyTransport(ctx context.Context, conn net.Conn, cfg Config, dial DialFunc) (net.Conn, error) {
	switch cfg.Transport {
	case TransportWS:
		return ws.Dial(ctx, conn, cfg.WSParams), nil
	case TransportHTTPUpgrade:
		return httpupgrade.Handshake(conn, cfg.HTTPUpgradeParams)
	case TransportXHTTP:
		conn.Close() // XHTTP dials its own connection(s); the already-opened raw conn is not reused.
		return xhttp.Dial(ctx, func(ctx context.Context) (net.Conn, error) {
			return dial(ctx, cfg.ServerAddr, cfg.ServerPort)
		}, cfg.XHTTPParams)
	default:
		return conn, nil
	}
}

// HandshakeTimeout bounds outbound setup: TCP connect + TLS + transport
// upgrade + VLESS header exchange, all under one timer.
const HandshakeTimeout = 60 * time.Second
