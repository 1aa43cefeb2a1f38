// Package mux implements the stream multiplexer: MuxClient (one
// VlessConnection, up to 32 MuxSessions over a byte-exact frame
// format) and MuxManager (dispatch across multiple MuxClients for one
// default config). Each client sends a KeepAlive frame once its
// connection has been idle for the keepalive interval, and dispatch
// picks the first client that is neither full nor closed, using the
// wire's own frame format rather than a general-purpose stream multiplexing
// library, since that framing is not wire-compatible with what the
// VLESS server peer expects.
package mux

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dualstack/veilbound/pkg/errkind"
)

const (
	KindNew       byte = 0x01
	KindKeep      byte = 0x02
	KindEnd       byte = 0x03
	KindKeepAlive byte = 0x04
)

const (
	NetworkTCP byte = 0x01
	NetworkUDP byte = 0x02
)

const MaxActiveSessions = 32

// frameHeader is kind:u8 | reserved:u8 | len:u16_be | stream_id:u32_be.
type frameHeader struct {
	Kind     byte
	Len      uint16
	StreamID uint32
}

func writeFrame(w io.Writer, h frameHeader, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	buf[0] = h.Kind
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], h.StreamID)
	copy(buf[8:], payload)
	if _, err := w.Write(buf); err != nil {
		return errkind.New(errkind.TransportDial, err)
	}
	return nil
}

func readFrame(r io.Reader) (frameHeader, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frameHeader{}, nil, errkind.New(errkind.ProtocolViolation, err)
	}
	h := frameHeader{
		Kind:     hdr[0],
		Len:      binary.BigEndian.Uint16(hdr[2:4]),
		StreamID: binary.BigEndian.Uint32(hdr[4:8]),
	}
	payload := make([]byte, h.Len)
	if h.Len > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frameHeader{}, nil, errkind.New(errkind.ProtocolViolation, err)
		}
	}
	return h, payload, nil
}

// NewPayload builds a KindNew frame payload: network, port, atyp, addr,
// and an optional 8-byte global ID for XUDP-enabled UDP streams.
func NewPayload(network byte, port uint16, atyp byte, addr []byte, globalID []byte) []byte {
	buf := make([]byte, 0, 4+len(addr)+len(globalID))
	buf = append(buf, network)
	buf = binary.BigEndian.AppendUint16(buf, port)
	buf = append(buf, atyp)
	buf = append(buf, addr...)
	buf = append(buf, globalID...)
	return buf
}

// Session is one stream within a Client.
type Session struct {
	id       uint32
	client   *Client
	isUDP    bool
	onData   func([]byte)
	onClose  func(err byte)
	closed   bool
	mu       sync.Mutex
}

// Send wraps payload in a KindKeep frame. For UDP sessions the caller
// is responsible for length-prefixing each datagram before
// concatenating them.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errkind.New(errkind.ProtocolViolation, fmt.Errorf("mux: session %d already closed", s.id))
	}
	return writeFrame(s.client.conn, frameHeader{Kind: KindKeep, StreamID: s.id}, payload)
}

// Close sends an End frame and releases local session state.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.removeSession(s.id)
	return writeFrame(s.client.conn, frameHeader{Kind: KindEnd, StreamID: s.id}, []byte{0})
}

func (s *Session) deliverData(payload []byte) {
	if s.onData != nil {
		s.onData(payload)
	}
}

func (s *Session) deliverClose(err byte) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose(err)
	}
}

// Client owns one underlying connection (the VlessConnection) and up to
// MaxActiveSessions open sessions, dispatched by monotonically
// allocated stream IDs starting at 1.
type Client struct {
	conn net.Conn

	mu       sync.Mutex
	sessions map[uint32]*Session
	nextID   uint32
	closed   bool

	keepAliveInterval time.Duration
	lastActivity      time.Time
}

func NewClient(conn net.Conn, keepAliveInterval time.Duration) *Client {
	if keepAliveInterval <= 0 {
		keepAliveInterval = 30 * time.Second
	}
	c := &Client{
		conn:              conn,
		sessions:          make(map[uint32]*Session),
		nextID:            1,
		keepAliveInterval: keepAliveInterval,
		lastActivity:      time.Now(),
	}
	go c.readLoop()
	go c.keepAliveLoop()
	return c
}

// Full reports whether the client has reached the 32-active-session cap.
func (c *Client) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions) >= MaxActiveSessions
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Open allocates a new session and sends its New frame. Refuses rather
// than wrapping IDs once 32 sessions are active: reusing a freed ID out
// of order risks colliding with an in-flight frame for its previous
// occupant.
func (c *Client) Open(network byte, port uint16, atyp byte, addr, globalID []byte, onData func([]byte), onClose func(byte)) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errkind.New(errkind.ProtocolViolation, fmt.Errorf("mux: client closed"))
	}
	if len(c.sessions) >= MaxActiveSessions {
		c.mu.Unlock()
		return nil, errkind.New(errkind.Capacity, fmt.Errorf("mux: %d active sessions, cap is %d", len(c.sessions), MaxActiveSessions))
	}
	id := c.nextID
	c.nextID++
	s := &Session{id: id, client: c, isUDP: network == NetworkUDP, onData: onData, onClose: onClose}
	c.sessions[id] = s
	c.mu.Unlock()

	if err := writeFrame(c.conn, frameHeader{Kind: KindNew, StreamID: id}, NewPayload(network, port, atyp, addr, globalID)); err != nil {
		c.removeSession(id)
		return nil, err
	}
	return s, nil
}

func (c *Client) removeSession(id uint32) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		h, payload, err := readFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		s := c.sessions[h.StreamID]
		c.mu.Unlock()

		switch h.Kind {
		case KindKeep:
			if s != nil {
				s.deliverData(payload)
			}
		case KindEnd:
			if s != nil {
				var code byte
				if len(payload) > 0 {
					code = payload[0]
				}
				c.removeSession(h.StreamID)
				s.deliverClose(code)
			}
		case KindKeepAlive:
			// no-op; arrival alone refreshes lastActivity above.
		default:
			// unknown frame kinds are a protocol violation fatal to the client.
			c.shutdown(errkind.New(errkind.ProtocolViolation, fmt.Errorf("mux: unknown frame kind %d", h.Kind)))
			return
		}
	}
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		closed := c.closed
		idle := time.Since(c.lastActivity) >= c.keepAliveInterval
		c.mu.Unlock()
		if closed {
			return
		}
		if idle {
			if err := writeFrame(c.conn, frameHeader{Kind: KindKeepAlive}, nil); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// shutdown closes the underlying connection and synthesizes a close
// callback for every open session.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[uint32]*Session)
	c.mu.Unlock()

	c.conn.Close()
	for _, s := range sessions {
		s.deliverClose(0xFF)
	}
	_ = cause
}

func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}
