package udpflow

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strconv"

	"github.com/dualstack/veilbound/pkg/errkind"
	"github.com/dualstack/veilbound/pkg/mux"
	"github.com/dualstack/veilbound/pkg/vless"
	"github.com/dualstack/veilbound/pkg/vlessclient"
)

func encodeAddr(host string) (byte, []byte) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return vless.AtypIPv4, v4
		}
		return vless.AtypIPv6, ip.To16()
	}
	return vless.AtypDomainName, []byte(host)
}

// lengthPrefixDecoder reassembles u16-BE length-prefixed datagrams that
// may arrive split or concatenated across Mux Keep frame boundaries.
type lengthPrefixDecoder struct {
	buf []byte
}

func (d *lengthPrefixDecoder) feed(chunk []byte, emit func([]byte)) {
	d.buf = append(d.buf, chunk...)
	for {
		if len(d.buf) < 2 {
			return
		}
		n := int(binary.BigEndian.Uint16(d.buf[:2]))
		if len(d.buf) < 2+n {
			return
		}
		payload := append([]byte(nil), d.buf[2:2+n]...)
		d.buf = d.buf[2+n:]
		emit(payload)
	}
}

// directPath is a bypass UDP socket connected straight to the
// destination, for force_bypass/GeoIP-bypass flows.
type directPath struct {
	conn net.Conn
}

// NewDirectPath dials a connected UDP socket to dst.
func NewDirectPath(ctx context.Context, dst Destination, onRecv func([]byte)) (Path, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(dst.Host, strconv.Itoa(int(dst.Port))))
	if err != nil {
		return nil, errkind.New(errkind.TransportDial, err)
	}
	p := &directPath{conn: conn}
	go p.readLoop(onRecv)
	return p, nil
}

func (p *directPath) Send(payload []byte) error {
	if _, err := p.conn.Write(payload); err != nil {
		return errkind.New(errkind.TransportDial, err)
	}
	return nil
}

func (p *directPath) Close() error { return p.conn.Close() }

func (p *directPath) readLoop(onRecv func([]byte)) {
	buf := make([]byte, 65535)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			onRecv(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

// muxPath carries datagrams as length-prefixed frames over one Mux
// session (XUDP GlobalID attached when enabled at dial time).
type muxPath struct {
	session *mux.Session
}

// NewMuxPath opens a new session on manager for dst, optionally
// carrying an XUDP GlobalID.
func NewMuxPath(ctx context.Context, manager *mux.Manager, dst Destination, xudpEnabled bool, onRecv func([]byte)) (Path, error) {
	client, err := manager.Dispatch(ctx)
	if err != nil {
		return nil, err
	}

	atyp, addr := encodeAddr(dst.Host)
	var globalID []byte
	if xudpEnabled {
		gid := mux.GlobalID(dst.Host, dst.Port)
		globalID = gid[:]
	}

	dec := &lengthPrefixDecoder{}
	sess, err := client.Open(mux.NetworkUDP, dst.Port, atyp, addr, globalID,
		func(b []byte) { dec.feed(b, onRecv) },
		func(byte) {},
	)
	if err != nil {
		return nil, err
	}
	return &muxPath{session: sess}, nil
}

func (p *muxPath) Send(payload []byte) error {
	var buf bytes.Buffer
	if err := vless.EncodeUDPFrame(&buf, payload); err != nil {
		return err
	}
	return p.session.Send(buf.Bytes())
}

func (p *muxPath) Close() error { return p.session.Close() }

// vlessDedicatedPath is a standalone VLESS UDP connection (no mux),
// carrying length-prefixed datagrams directly over its own transport.
type vlessDedicatedPath struct {
	conn net.Conn
}

// NewVlessDedicatedPath opens a dedicated VLESS UDP connection to dst
// under cfg, via dial.
func NewVlessDedicatedPath(ctx context.Context, dial vlessclient.DialFunc, cfg vlessclient.Config, dst Destination, onRecv func([]byte)) (Path, error) {
	atyp, addr := encodeAddr(dst.Host)
	req := vless.Request{UUID: cfg.UUID, Command: vless.CommandUDP, Port: dst.Port, AddrType: atyp}
	if atyp == vless.AtypDomainName {
		req.Domain = dst.Host
	} else {
		req.IP = net.IP(addr)
	}

	conn, err := vlessclient.Dial(ctx, dial, cfg, req)
	if err != nil {
		return nil, err
	}
	p := &vlessDedicatedPath{conn: conn}
	go p.readLoop(onRecv)
	return p, nil
}

func (p *vlessDedicatedPath) Send(payload []byte) error {
	return vless.EncodeUDPFrame(p.conn, payload)
}

func (p *vlessDedicatedPath) Close() error { return p.conn.Close() }

func (p *vlessDedicatedPath) readLoop(onRecv func([]byte)) {
	r := vless.NewUDPFrameReader(p.conn)
	for {
		payload, err := r.ReadFrame()
		if err != nil {
			return
		}
		onRecv(payload)
	}
}

// Dialer wires the three path constructors behind one DialFunc. The
// engine builds one per UDP dial from the resolved outbound config and
// the current mux manager (nil unless Vision+Mux is active).
type Dialer struct {
	MuxManager  *mux.Manager
	XUDPEnabled bool
	VlessDial   vlessclient.DialFunc
	VlessConfig vlessclient.Config
}

func (d *Dialer) Dial(ctx context.Context, dst Destination, kind PathKind, onRecv func([]byte)) (Path, error) {
	switch kind {
	case PathDirect:
		return NewDirectPath(ctx, dst, onRecv)
	case PathMux:
		return NewMuxPath(ctx, d.MuxManager, dst, d.XUDPEnabled, onRecv)
	default:
		return NewVlessDedicatedPath(ctx, d.VlessDial, d.VlessConfig, dst, onRecv)
	}
}
