// Package netstack is a gVisor userspace TCP/IP stack driven by one
// goroutine reading from a channel.Endpoint fed by Input, with
// tcp_write/tcp_sndbuf/tcp_output/tcp_recved mapped onto a tcpip.Endpoint
// obtained from gVisor's TCP forwarder rather than gonet.TCPConn (gonet
// hides the send-buffer headroom tcpflow.Handler's pull-model loop
// depends on). The stack binds to a plain Input/Output byte-slice
// boundary rather than a real TUN device, since host TUN I/O is the
// platform façade outside this core.
package netstack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/dualstack/veilbound/internal/tcpflow"
)

const nicID tcpip.NICID = 1

// sweepInterval is the check_timeouts period. It only ticks the UDP
// flow sweep; tcpflow.Handler runs its own per-connection idle watcher.
const sweepInterval = 250 * time.Millisecond

// TCPAcceptFunc is invoked for every new inbound TCP connection; it
// receives a LocalSide already bound to the gVisor endpoint and the
// 4-tuple, and is responsible for resolving the destination, deciding
// bypass, and driving a tcpflow.Handler.
type TCPAcceptFunc func(local tcpflow.LocalSide, id stack.TransportEndpointID)

// UDPAcceptFunc is invoked for every datagram received on the endpoint
// the UDP forwarder created for its 5-tuple, first datagram or not;
// ownership of framing a reply via WriteBack is the caller's.
type UDPAcceptFunc func(id stack.TransportEndpointID, payload []byte, writeBack func([]byte) error)

// Stack owns the gVisor stack, its single link endpoint, and the
// forwarders wired to the core's TCP/UDP entry points.
type Stack struct {
	stack *stack.Stack
	link  *channel.Endpoint

	onTCPAccept TCPAcceptFunc
	onUDP       UDPAcceptFunc

	sweepCancel context.CancelFunc
}

// New builds the stack with IPv4/IPv6 network protocols and TCP/UDP
// transport protocols, a channel.Endpoint of the given MTU as its sole
// NIC, and promiscuous/spoofing enabled (every packet accepted
// regardless of destination, every source address allowed out) since
// this is a virtual interface, not a real one with a fixed address.
func New(mtu uint32, onTCPAccept TCPAcceptFunc, onUDP UDPAcceptFunc) (*Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	link := channel.New(512, mtu, "")

	if err := s.CreateNIC(nicID, link); err != nil {
		return nil, fmt.Errorf("netstack: create nic: %s", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: set spoofing: %s", err)
	}
	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: set promiscuous: %s", err)
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	ns := &Stack{stack: s, link: link, onTCPAccept: onTCPAccept, onUDP: onUDP}

	tcpFwd := tcp.NewForwarder(s, 0, 2<<10, ns.handleTCP)
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(s, ns.handleUDP)
	s.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	return ns, nil
}

// Input injects one raw IPv4 or IPv6 frame received from the host
// tunnel into the stack.
func (ns *Stack) Input(frame []byte) {
	proto, ok := ipVersionProtocol(frame)
	if !ok {
		return
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame),
	})
	defer pkt.DecRef()
	ns.link.InjectInbound(proto, pkt)
}

func ipVersionProtocol(frame []byte) (tcpip.NetworkProtocolNumber, bool) {
	if len(frame) == 0 {
		return 0, false
	}
	switch header.IPVersion(frame) {
	case header.IPv4Version:
		return header.IPv4ProtocolNumber, true
	case header.IPv6Version:
		return header.IPv6ProtocolNumber, true
	default:
		return 0, false
	}
}

// RunOutput blocks reading outbound frames off the link endpoint and
// calls output for each, until ctx is canceled. Run it in its own
// goroutine.
func (ns *Stack) RunOutput(ctx context.Context, output func([]byte)) {
	for {
		pkt := ns.link.ReadContext(ctx)
		if pkt == nil {
			return
		}
		b := pkt.ToView().AsSlice()
		out := make([]byte, len(b))
		copy(out, b)
		pkt.DecRef()
		output(out)
	}
}

// StartTimeouts starts the 250 ms check_timeouts tick, calling sweep
// once per tick (the UDP flow manager's idle sweep; tcpflow.Handler
// runs its own per-connection idle watcher independently).
func (ns *Stack) StartTimeouts(sweep func()) {
	ctx, cancel := context.WithCancel(context.Background())
	ns.sweepCancel = cancel
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
}

// Close tears the stack down: stops the timeout ticker and destroys
// every NIC/endpoint.
func (ns *Stack) Close() {
	if ns.sweepCancel != nil {
		ns.sweepCancel()
	}
	ns.stack.Close()
}

func (ns *Stack) handleTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	wq := new(waiter.Queue)
	ep, err := r.CreateEndpoint(wq)
	if err != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)
	if err := applyTCPSocketOptions(ns.stack, ep); err != nil {
		slog.Warn("set tcp socket options failed", "error", err)
	}

	local := newTCPEndpoint(ep, wq)
	ns.onTCPAccept(local, id)
}

func (ns *Stack) handleUDP(r *udp.ForwarderRequest) {
	id := r.ID()
	wq := new(waiter.Queue)
	ep, err := r.CreateEndpoint(wq)
	if err != nil {
		return
	}
	conn := newUDPEndpoint(ep, wq, id)
	go conn.readLoop(ns.onUDP)
}
