// Package vision implements the "xtls-rprx-vision" adaptive-padding
// flow: a sequence of TLS-shaped records with per-direction padding
// that tapers off and then disappears once the connection is
// recognized as raw TLS-over-TCP. Once a direction switches to direct
// mode, writes and reads bypass the TLS record layer entirely and talk
// to the raw socket underneath it, the same splice this flow is named
// for: any plaintext the TLS layer has already buffered but not yet
// handed to the caller is drained first so no bytes are lost crossing
// over.
package vision

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"reflect"
	"sync"
	"unsafe"

	utls "github.com/refraction-networking/utls"
)

// Seed is the Vision padding schedule, carried in the URL as testseed:
// [contentThreshold, longMax, longBase, shortMax], default [900,500,900,256].
type Seed struct {
	ContentThreshold int
	LongMax          int
	LongBase         int
	ShortMax         int
}

func DefaultSeed() Seed { return Seed{ContentThreshold: 900, LongMax: 500, LongBase: 900, ShortMax: 256} }

var (
	tlsHandshakePrefix  = []byte{0x16} // handshake
	tlsChangeCipherSpec = []byte{0x14} // change_cipher_spec
	tlsApplicationData  = []byte{0x17} // application_data
)

func looksLikeHandshake(record []byte) bool {
	if len(record) == 0 {
		return false
	}
	return bytes.HasPrefix(record, tlsHandshakePrefix) || bytes.HasPrefix(record, tlsChangeCipherSpec)
}

func isApplicationData(record []byte) bool {
	return bytes.HasPrefix(record, tlsApplicationData)
}

func randomN(max int) int {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)+1))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}

// direction holds the independent padding state for one flow direction.
type direction struct {
	seed             Seed
	contentRemaining int
	longSent         bool
	direct           bool // once true, padding ceases entirely for this direction
}

func newDirection(seed Seed) *direction {
	return &direction{seed: seed, contentRemaining: seed.ContentThreshold}
}

// paddingBlock returns a padding record of length n filled with random
// bytes, framed as an opaque TLS application-data record so it is
// indistinguishable on the wire from the real payload it precedes.
func paddingBlock(n int) []byte {
	rec := make([]byte, 5+n)
	rec[0] = 0x17
	rec[1], rec[2] = 0x03, 0x03
	binary.BigEndian.PutUint16(rec[3:5], uint16(n))
	_, _ = rand.Read(rec[5:])
	return rec
}

// wrap classifies and pads one outbound record per the padding schedule.
func (d *direction) wrap(record []byte) []byte {
	if d.direct || looksLikeHandshake(record) {
		return record
	}

	var out []byte
	if d.contentRemaining > 0 {
		out = append(out, paddingBlock(randomN(d.seed.ShortMax))...)
		d.contentRemaining--
		out = append(out, record...)
		return out
	}

	if !d.longSent {
		d.longSent = true
		out = append(out, paddingBlock(d.seed.LongBase+randomN(d.seed.LongMax))...)
		d.direct = true
	}
	out = append(out, record...)
	return out
}

// splicePoint is the reflected view into a *tls.Conn or *utls.UConn's
// private buffered-plaintext fields, plus the raw net.Conn underneath
// the record layer. Obtained once by introspecting the concrete TLS
// connection type; nil when conn isn't one of the two.
type splicePoint struct {
	raw      net.Conn
	input    *bytes.Reader // already-decrypted bytes not yet returned to the caller
	rawInput *bytes.Buffer // encrypted bytes already read off the wire but not yet processed
}

// findSplicePoint reaches into conn's private conn-state fields via
// reflect+unsafe the same way for both crypto/tls and utls, since utls
// forks crypto/tls.Conn and keeps the same field names. There is no
// public API on either type for reading these buffers out mid-stream,
// which is why direct mode needs this instead of a type assertion.
func findSplicePoint(conn net.Conn) *splicePoint {
	var raw net.Conn
	var elemType reflect.Type
	var elemPtr unsafe.Pointer

	switch c := conn.(type) {
	case *tls.Conn:
		raw = c.NetConn()
		elemType = reflect.TypeOf(c).Elem()
		elemPtr = unsafe.Pointer(c)
	case *utls.UConn:
		raw = c.NetConn()
		elemType = reflect.TypeOf(c.Conn).Elem()
		elemPtr = unsafe.Pointer(c.Conn)
	default:
		return nil
	}

	inputField, ok := elemType.FieldByName("input")
	if !ok {
		return nil
	}
	rawInputField, ok := elemType.FieldByName("rawInput")
	if !ok {
		return nil
	}

	return &splicePoint{
		raw:      raw,
		input:    (*bytes.Reader)(unsafe.Add(elemPtr, inputField.Offset)),
		rawInput: (*bytes.Buffer)(unsafe.Add(elemPtr, rawInputField.Offset)),
	}
}

// Conn wraps a net.Conn (typically a TLS connection) with Vision's
// adaptive padding on write and padding removal on read, and flips to
// raw pass-through once the inbound content-sniffer sees the server's
// Finished/first application-data record.
type Conn struct {
	net.Conn

	splice *splicePoint // nil if conn isn't a *tls.Conn/*utls.UConn

	out *direction
	in  *direction

	mu      sync.Mutex
	inbound bytes.Buffer // buffered decoded bytes ready for Read
	sniffed bool         // true once direct mode has kicked in on read
}

func NewConn(conn net.Conn, seed Seed) *Conn {
	return &Conn{
		Conn:   conn,
		splice: findSplicePoint(conn),
		out:    newDirection(seed),
		in:     newDirection(seed),
	}
}

// Write pads record(s) before writing them to the underlying
// connection, or writes straight to the raw socket once the outbound
// direction has switched to direct mode. Each call to Write is treated
// as one outbound record.
func (c *Conn) Write(b []byte) (int, error) {
	if c.out.direct && c.splice != nil {
		if _, err := c.splice.raw.Write(b); err != nil {
			return 0, err
		}
		return len(b), nil
	}

	framed := c.out.wrap(b)
	if _, err := c.Conn.Write(framed); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read removes inbound padding using the mirrored schedule and restores
// original record boundaries, switching to raw pass-through once the
// content sniffer has observed the server's Finished or first
// application-data record (the "Vision" transition point). Any
// plaintext the TLS layer already buffered ahead of that point is
// drained into inbound first so the splice loses nothing.
func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inbound.Len() > 0 {
		return c.inbound.Read(b)
	}
	if c.sniffed {
		if c.splice != nil {
			return c.splice.raw.Read(b)
		}
		return c.Conn.Read(b)
	}

	record, err := c.readOneRecord()
	if err != nil {
		return 0, err
	}

	if isApplicationData(record) || looksLikeHandshake(record) && isServerFinished(record) {
		c.sniffed = true
	}

	if c.in.direct {
		c.inbound.Write(record[5:])
	} else if c.in.contentRemaining > 0 {
		// record is a short padding block; discard and recurse for the
		// real record that follows on the wire.
		c.in.contentRemaining--
		return c.Read(b)
	} else if !c.in.longSent {
		c.in.longSent = true
		c.in.direct = true
		c.drainSpliceBuffers()
	} else {
		c.inbound.Write(record[5:])
	}

	if c.inbound.Len() == 0 {
		return c.Read(b)
	}
	return c.inbound.Read(b)
}

// drainSpliceBuffers copies any bytes the TLS connection already read
// off the wire and/or decrypted but hasn't yet returned to a caller
// into inbound, so switching to raw passthrough on the read side never
// drops data the record layer was sitting on.
func (c *Conn) drainSpliceBuffers() {
	if c.splice == nil {
		return
	}
	if b, err := io.ReadAll(c.splice.input); err == nil {
		c.inbound.Write(b)
	}
	if c.splice.rawInput.Len() > 0 {
		c.inbound.Write(c.splice.rawInput.Bytes())
		c.splice.rawInput.Reset()
	}
}

// readOneRecord reads exactly one TLS record (5-byte header + body)
// from the underlying connection.
func (c *Conn) readOneRecord() ([]byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[3:5])
	rec := make([]byte, 5+int(n))
	copy(rec, hdr[:])
	if _, err := io.ReadFull(c.Conn, rec[5:]); err != nil {
		return nil, err
	}
	return rec, nil
}

// isServerFinished is a heuristic: a record whose first body byte is
// 0x14 (the Finished handshake message type) is treated as the server's
// Finished message, wherever the padding schedule stands.
func isServerFinished(record []byte) bool {
	return len(record) >= 6 && record[5] == 0x14 // Finished handshake message type
}

func (c *Conn) Close() error { return c.Conn.Close() }
