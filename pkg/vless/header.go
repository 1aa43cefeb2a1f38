// Package vless implements the request/response header codec: a fixed
// binary layout with one addons sub-message carrying the Vision flow
// string and, for XUDP, an 8-byte GlobalID. Encode/decode are
// standalone and don't need a live net.Conn, so they round-trip in
// tests.
package vless

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/dualstack/veilbound/pkg/errkind"
)

const Version byte = 0x00

const (
	CommandTCP byte = 0x01
	CommandUDP byte = 0x02
)

const (
	AtypIPv4       byte = 0x01
	AtypDomainName byte = 0x02
	AtypIPv6       byte = 0x03
)

const (
	addonTagFlow     byte = 0x01
	addonTagGlobalID byte = 0x02
)

const GlobalIDLen = 8

// Request is the fully-decoded form of the client's opening header.
type Request struct {
	UUID     [16]byte
	Flow     string
	GlobalID [GlobalIDLen]byte
	HasGID   bool
	Command  byte
	Port     uint16
	AddrType byte
	Domain   string
	IP       net.IP
}

func protocolViolation(format string, args ...any) error {
	return errkind.New(errkind.ProtocolViolation, fmt.Errorf(format, args...))
}

func encodeAddons(r *Request) []byte {
	if r.Flow == "" && !r.HasGID {
		return nil
	}
	buf := make([]byte, 0, 2+len(r.Flow)+2+GlobalIDLen)
	if r.Flow != "" {
		buf = append(buf, addonTagFlow, byte(len(r.Flow)))
		buf = append(buf, r.Flow...)
	}
	if r.HasGID {
		buf = append(buf, addonTagGlobalID, GlobalIDLen)
		buf = append(buf, r.GlobalID[:]...)
	}
	return buf
}

// EncodeRequest writes the VLESS request header for r to w.
func EncodeRequest(w io.Writer, r *Request) error {
	addons := encodeAddons(r)
	if len(addons) > 255 {
		return protocolViolation("addons too large: %d bytes", len(addons))
	}

	buf := make([]byte, 0, 16+4+len(addons)+1+2+1+256)
	buf = append(buf, Version)
	buf = append(buf, r.UUID[:]...)
	buf = append(buf, byte(len(addons)))
	buf = append(buf, addons...)
	buf = append(buf, r.Command)
	buf = binary.BigEndian.AppendUint16(buf, r.Port)

	switch r.AddrType {
	case AtypIPv4:
		ip4 := r.IP.To4()
		if ip4 == nil {
			return protocolViolation("addr type IPv4 but no IPv4 address set")
		}
		buf = append(buf, AtypIPv4)
		buf = append(buf, ip4...)
	case AtypIPv6:
		ip6 := r.IP.To16()
		if ip6 == nil {
			return protocolViolation("addr type IPv6 but no IPv6 address set")
		}
		buf = append(buf, AtypIPv6)
		buf = append(buf, ip6...)
	case AtypDomainName:
		if len(r.Domain) > 255 {
			return protocolViolation("domain too long: %d bytes", len(r.Domain))
		}
		buf = append(buf, AtypDomainName, byte(len(r.Domain)))
		buf = append(buf, r.Domain...)
	default:
		return protocolViolation("unknown addr type %d", r.AddrType)
	}

	_, err := w.Write(buf)
	if err != nil {
		return errkind.New(errkind.TransportDial, err)
	}
	return nil
}

func decodeAddons(raw []byte) (flow string, gid [GlobalIDLen]byte, hasGID bool, err error) {
	for len(raw) > 0 {
		if len(raw) < 2 {
			return "", gid, false, protocolViolation("truncated addon header")
		}
		tag, n := raw[0], int(raw[1])
		raw = raw[2:]
		if n > len(raw) {
			return "", gid, false, protocolViolation("addon payload exceeds remaining length")
		}
		payload := raw[:n]
		raw = raw[n:]

		switch tag {
		case addonTagFlow:
			flow = string(payload)
		case addonTagGlobalID:
			if n != GlobalIDLen {
				return "", gid, false, protocolViolation("global id addon must be %d bytes, got %d", GlobalIDLen, n)
			}
			copy(gid[:], payload)
			hasGID = true
		default:
			// unknown addon tags are forward-compatible no-ops
		}
	}
	return flow, gid, hasGID, nil
}

// DecodeRequest reads and parses a VLESS request header from r.
func DecodeRequest(r io.Reader) (*Request, error) {
	var head [18]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, errkind.New(errkind.ProtocolViolation, err)
	}
	if head[0] != Version {
		return nil, protocolViolation("unexpected request version %d", head[0])
	}

	req := &Request{}
	copy(req.UUID[:], head[1:17])
	addonsLen := int(head[17])

	addons := make([]byte, addonsLen)
	if addonsLen > 0 {
		if _, err := io.ReadFull(r, addons); err != nil {
			return nil, errkind.New(errkind.ProtocolViolation, err)
		}
	}
	flow, gid, hasGID, err := decodeAddons(addons)
	if err != nil {
		return nil, err
	}
	req.Flow, req.GlobalID, req.HasGID = flow, gid, hasGID

	var tail [4]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, errkind.New(errkind.ProtocolViolation, err)
	}
	req.Command = tail[0]
	req.Port = binary.BigEndian.Uint16(tail[1:3])
	req.AddrType = tail[3]

	switch req.AddrType {
	case AtypIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return nil, errkind.New(errkind.ProtocolViolation, err)
		}
		req.IP = net.IP(ip[:])
	case AtypIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return nil, errkind.New(errkind.ProtocolViolation, err)
		}
		req.IP = net.IP(ip[:])
	case AtypDomainName:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, errkind.New(errkind.ProtocolViolation, err)
		}
		domain := make([]byte, l[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return nil, errkind.New(errkind.ProtocolViolation, err)
		}
		req.Domain = string(domain)
	default:
		return nil, protocolViolation("unknown addr type %d", req.AddrType)
	}

	return req, nil
}

// Response is the server's reply header: version + addons (unused by
// this client, but parsed and discarded; the caller must consume this
// exactly once).
type Response struct {
	AddonsLen byte
}

func EncodeResponse(w io.Writer, resp *Response) error {
	_, err := w.Write([]byte{Version, resp.AddonsLen})
	if err != nil {
		return errkind.New(errkind.TransportDial, err)
	}
	return nil
}

// DecodeResponse reads the server's reply header and discards any
// addons payload, exactly once, before the caller sees application data.
func DecodeResponse(r io.Reader) error {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return errkind.New(errkind.ProtocolViolation, err)
	}
	if head[0] != Version {
		return protocolViolation("unexpected response version %d", head[0])
	}
	if n := int64(head[1]); n > 0 {
		if _, err := io.CopyN(io.Discard, r, n); err != nil {
			return errkind.New(errkind.ProtocolViolation, err)
		}
	}
	return nil
}
