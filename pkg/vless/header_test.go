package vless

import (
	"bytes"
	"net"
	"testing"
)

func TestRequestRoundTripDomain(t *testing.T) {
	req := &Request{
		Command:  CommandTCP,
		Port:     443,
		AddrType: AtypDomainName,
		Domain:   "example.com",
		Flow:     "xtls-rprx-vision",
	}
	for i := range req.UUID {
		req.UUID[i] = byte(i)
	}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.UUID != req.UUID || got.Command != req.Command || got.Port != req.Port ||
		got.AddrType != req.AddrType || got.Domain != req.Domain || got.Flow != req.Flow {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, req)
	}
	if got.HasGID {
		t.Fatalf("expected no global id")
	}
}

func TestRequestRoundTripIPv4WithGlobalID(t *testing.T) {
	req := &Request{
		Command:  CommandUDP,
		Port:     53,
		AddrType: AtypIPv4,
		IP:       net.ParseIP("198.18.0.1"),
		HasGID:   true,
	}
	req.GlobalID = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.HasGID || got.GlobalID != req.GlobalID {
		t.Fatalf("global id mismatch: %+v", got)
	}
	if !got.IP.Equal(req.IP) {
		t.Fatalf("ip mismatch: got %v want %v", got.IP, req.IP)
	}
}

func TestRequestRoundTripIPv6NoFlow(t *testing.T) {
	req := &Request{
		Command:  CommandTCP,
		Port:     80,
		AddrType: AtypIPv6,
		IP:       net.ParseIP("fc00::1"),
	}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.IP.Equal(req.IP) {
		t.Fatalf("ip mismatch: got %v want %v", got.IP, req.IP)
	}
	if got.Flow != "" || got.HasGID {
		t.Fatalf("expected no addons, got flow=%q hasGID=%v", got.Flow, got.HasGID)
	}
}

func TestDecodeRequestRejectsBadVersion(t *testing.T) {
	buf := make([]byte, 18)
	buf[0] = 0x01 // wrong version
	_, err := DecodeRequest(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected error for bad version")
	}
}

func TestDecodeRequestRejectsUnknownAddrType(t *testing.T) {
	req := &Request{Command: CommandTCP, Port: 1, AddrType: 0x09}
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err == nil {
		t.Fatal("expected encode error for unknown addr type")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeResponse(&buf, &Response{AddonsLen: 0}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := DecodeResponse(&buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestResponseDiscardsAddons(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{Version, 3, 0xAA, 0xBB, 0xCC})
	buf.WriteString("payload")
	if err := DecodeResponse(&buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.String() != "payload" {
		t.Fatalf("expected addons discarded, remaining=%q", buf.String())
	}
}

func TestUDPFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{0x42}, 1000)}
	for _, p := range payloads {
		if err := EncodeUDPFrame(&buf, p); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	dec := NewUDPFrameReader(&buf)
	for _, want := range payloads {
		got, err := dec.ReadFrame()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame mismatch: got %v want %v", got, want)
		}
	}
}

func TestUDPFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxUDPPayload+1)
	if err := EncodeUDPFrame(&buf, big); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}
