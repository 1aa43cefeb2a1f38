package netstack

import (
	"bytes"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/waiter"
)

// udpReadIdleTimeout bounds how long a forwarder-created UDP endpoint's
// read loop waits for the next datagram before giving the endpoint back;
// internal/udpflow owns the real per-flow idle policy, this only stops
// the underlying gVisor endpoint and its goroutine from living forever
// once the flow above it has gone away.
const udpReadIdleTimeout = 60 * time.Second

// udpEndpoint wraps one gVisor UDP endpoint created by the forwarder for
// a single (local,remote) pair.
type udpEndpoint struct {
	ep tcpip.Endpoint
	wq *waiter.Queue
	id stack.TransportEndpointID
}

func newUDPEndpoint(ep tcpip.Endpoint, wq *waiter.Queue, id stack.TransportEndpointID) *udpEndpoint {
	return &udpEndpoint{ep: ep, wq: wq, id: id}
}

// readLoop delivers every datagram the stack hands this endpoint to
// onUDP, along with a writeBack bound to the same endpoint (already
// bound to the peer by CreateEndpoint, so a plain Write suffices).
func (u *udpEndpoint) readLoop(onUDP UDPAcceptFunc) {
	entry, notifyCh := waiter.NewChannelEntry(waiter.ReadableEvents)
	u.wq.EventRegister(&entry)
	defer u.wq.EventUnregister(&entry)
	defer u.ep.Close()

	writeBack := func(payload []byte) error {
		var buf bytes.Buffer
		buf.Write(payload)
		_, err := u.ep.Write(&buf, tcpip.WriteOptions{})
		return errFromTcpip(err)
	}

	for {
		var buf bytes.Buffer
		_, err := u.ep.Read(&buf, tcpip.ReadOptions{})
		if err != nil {
			if _, ok := err.(*tcpip.ErrWouldBlock); ok {
				select {
				case <-notifyCh:
					continue
				case <-time.After(udpReadIdleTimeout):
					return
				}
			}
			return
		}
		if buf.Len() == 0 {
			continue
		}
		onUDP(u.id, append([]byte(nil), buf.Bytes()...), writeBack)
	}
}
