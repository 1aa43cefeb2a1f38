package mux

import (
	"strconv"

	"lukechampine.com/blake3"
)

// globalIDKey is the fixed 32-byte constant keying the XUDP GlobalID
// hash. Unlike the VLESS UUID, this key is not secret; it exists only
// so the client and server compute the same 8-byte digest for the same
// (host, port) pair.
var globalIDKey = [32]byte{
	0x76, 0x65, 0x69, 0x6c, 0x62, 0x6f, 0x75, 0x6e,
	0x64, 0x2d, 0x78, 0x75, 0x64, 0x70, 0x2d, 0x67,
	0x6c, 0x6f, 0x62, 0x61, 0x6c, 0x2d, 0x69, 0x64,
	0x2d, 0x6b, 0x65, 0x79, 0x2d, 0x76, 0x31, 0x00,
}

// GlobalID computes the 8-byte XUDP global ID for a UDP flow's source
// (host, port), enabling server-side full-cone NAT across client-side
// ephemeral port remaps.
func GlobalID(host string, port uint16) [GlobalIDLen]byte {
	input := "udp:" + host + ":" + strconv.Itoa(int(port))
	h := blake3.New(GlobalIDLen, globalIDKey[:])
	h.Write([]byte(input))
	var out [GlobalIDLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

const GlobalIDLen = 8
