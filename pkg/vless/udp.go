package vless

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dualstack/veilbound/pkg/errkind"
)

// MaxUDPPayload is the largest single payload the u16 length prefix can
// carry; exceeding it is a fatal protocol violation.
const MaxUDPPayload = 0xFFFF

// EncodeUDPFrame writes one length-prefixed UDP payload: u16 BE length
// followed by the payload bytes.
func EncodeUDPFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxUDPPayload {
		return errkind.New(errkind.ProtocolViolation, fmt.Errorf("udp payload %d exceeds %d", len(payload), MaxUDPPayload))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errkind.New(errkind.TransportDial, err)
	}
	if _, err := w.Write(payload); err != nil {
		return errkind.New(errkind.TransportDial, err)
	}
	return nil
}

// UDPFrameReader decodes the length-prefix stream one payload at a time.
// It keeps no state between calls: each ReadFrame reads the prefix and
// payload with io.ReadFull, so short reads from the underlying stream
// are absorbed within that one call.
type UDPFrameReader struct {
	r io.Reader
}

func NewUDPFrameReader(r io.Reader) *UDPFrameReader { return &UDPFrameReader{r: r} }

// ReadFrame blocks until one full payload has been read from the
// underlying stream, or returns an error. It is safe to call repeatedly;
// each call consumes exactly one frame.
func (d *UDPFrameReader) ReadFrame() ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return nil, errkind.New(errkind.ProtocolViolation, err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, errkind.New(errkind.ProtocolViolation, err)
	}
	return payload, nil
}
