package netstack

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/waiter"
)

// TCP keepalive/window tuning.
const (
	defaultWndSize       = 0
	maxConnAttempts      = 2 << 10
	tcpKeepaliveCount    = 9
	tcpKeepaliveIdle     = 60 * time.Second
	tcpKeepaliveInterval = 30 * time.Second

	defaultSendBufferSize = 64 * 1024
)

// applyTCPSocketOptions sets keepalive and pulls send/receive buffer
// sizes from the stack's configured TCP defaults.
func applyTCPSocketOptions(s *stack.Stack, ep tcpip.Endpoint) error {
	ep.SocketOptions().SetKeepAlive(true)

	idle := tcpip.KeepaliveIdleOption(tcpKeepaliveIdle)
	if err := ep.SetSockOpt(&idle); err != nil {
		return errFromTcpip(err)
	}
	interval := tcpip.KeepaliveIntervalOption(tcpKeepaliveInterval)
	if err := ep.SetSockOpt(&interval); err != nil {
		return errFromTcpip(err)
	}
	if err := ep.SetSockOptInt(tcpip.KeepaliveCountOption, tcpKeepaliveCount); err != nil {
		return errFromTcpip(err)
	}

	var ss tcpip.TCPSendBufferSizeRangeOption
	if err := s.TransportProtocolOption(header.TCPProtocolNumber, &ss); err == nil {
		ep.SocketOptions().SetSendBufferSize(int64(ss.Default), false)
	}
	var rs tcpip.TCPReceiveBufferSizeRangeOption
	if err := s.TransportProtocolOption(header.TCPProtocolNumber, &rs); err == nil {
		ep.SocketOptions().SetReceiveBufferSize(int64(rs.Default), false)
	}
	return nil
}

func errFromTcpip(err tcpip.Error) error {
	if err == nil {
		return nil
	}
	return errors.New(err.String())
}

// tcpEndpoint adapts a raw gVisor tcpip.Endpoint to tcpflow.LocalSide.
// gonet.TCPConn was deliberately not used here: it hides the send-buffer
// headroom tcpflow.Handler's pull-model loop needs from SndBuf.
type tcpEndpoint struct {
	ep tcpip.Endpoint
	wq *waiter.Queue

	readEntry  waiter.Entry
	readCh     chan struct{}
	writeEntry waiter.Entry
	writeCh    chan struct{}

	// queued approximates bytes handed to the endpoint since the last
	// writable-event drain; gVisor has no byte-exact "current send
	// headroom" query, so SndBuf is this approximation, not an exact
	// count.
	queued int64
}

func newTCPEndpoint(ep tcpip.Endpoint, wq *waiter.Queue) *tcpEndpoint {
	t := &tcpEndpoint{ep: ep, wq: wq}
	t.readEntry, t.readCh = waiter.NewChannelEntry(waiter.ReadableEvents)
	t.writeEntry, t.writeCh = waiter.NewChannelEntry(waiter.WritableEvents)
	wq.EventRegister(&t.readEntry)
	wq.EventRegister(&t.writeEntry)
	return t
}

func (t *tcpEndpoint) Read(ctx context.Context, p []byte) (int, error) {
	for {
		var buf bytes.Buffer
		_, err := t.ep.Read(&buf, tcpip.ReadOptions{})
		if err == nil {
			return copy(p, buf.Bytes()), nil
		}
		if _, ok := err.(*tcpip.ErrClosedForReceive); ok {
			return 0, io.EOF
		}
		if _, ok := err.(*tcpip.ErrWouldBlock); !ok {
			return 0, errFromTcpip(err)
		}
		select {
		case <-t.readCh:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (t *tcpEndpoint) sendBufferSize() int {
	v := int(t.ep.SocketOptions().GetSendBufferSize())
	if v <= 0 {
		return defaultSendBufferSize
	}
	return v
}

func (t *tcpEndpoint) SndBuf() int {
	total := t.sendBufferSize()
	queued := int(atomic.LoadInt64(&t.queued))
	if queued >= total {
		return 0
	}
	return total - queued
}

func (t *tcpEndpoint) Write(p []byte) (int, error) {
	var buf bytes.Buffer
	buf.Write(p)
	n, err := t.ep.Write(&buf, tcpip.WriteOptions{})
	if err != nil {
		if _, ok := err.(*tcpip.ErrWouldBlock); ok {
			return 0, nil
		}
		return 0, errFromTcpip(err)
	}
	atomic.AddInt64(&t.queued, n)
	return int(n), nil
}

// Output drains the approximate queued counter on a writable-event
// signal; gVisor flushes segments onto the wire as soon as Write
// accepts them, so there is nothing else to force here.
func (t *tcpEndpoint) Output() error {
	select {
	case <-t.writeCh:
		atomic.StoreInt64(&t.queued, 0)
	default:
	}
	return nil
}

func (t *tcpEndpoint) CloseWrite() error {
	return errFromTcpip(t.ep.Shutdown(tcpip.ShutdownWrite))
}

func (t *tcpEndpoint) CloseRead() error {
	return errFromTcpip(t.ep.Shutdown(tcpip.ShutdownRead))
}

func (t *tcpEndpoint) Close() error {
	t.wq.EventUnregister(&t.readEntry)
	t.wq.EventUnregister(&t.writeEntry)
	t.ep.Close()
	return nil
}

// Abort sets zero linger then closes, forcing an RST instead of the
// usual FIN sequence.
func (t *tcpEndpoint) Abort() {
	t.ep.SocketOptions().SetLinger(tcpip.LingerOption{Enabled: true, Timeout: 0})
	t.Close()
}
