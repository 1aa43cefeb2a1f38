// Package core declares the one boundary interface the engine calls
// outward through: the host platform's packet tunnel, injected so
// internal/engine stays ignorant of any specific OS's TUN API.
package core

import "context"

// HostTunnel is implemented by the platform layer embedding this core.
// ReadPacket blocks for the next raw IPv4/IPv6 frame from the OS TUN
// device; the bool return is false only when the tunnel closed cleanly
// (ctx cancellation or platform shutdown), distinct from an error.
// WritePacket hands one outbound frame to the OS TUN device.
// RequestReapply asks the host to re-bind the TUN device itself
// (address/MTU/routes), used when IPv6 support toggles on reload,
// since that is host-side configuration this core cannot perform on
// its own virtual NIC.
type HostTunnel interface {
	ReadPacket(ctx context.Context) ([]byte, bool, error)
	WritePacket(b []byte, isIPv6 bool) error
	RequestReapply()
}
