package geoip

import (
	"encoding/binary"
	"net"
	"testing"
)

func buildDB(t *testing.T, entries [][3]uint32) []byte {
	t.Helper()
	buf := make([]byte, 8+len(entries)*entrySize)
	copy(buf[:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(entries)))
	for i, e := range entries {
		off := 8 + i*entrySize
		binary.BigEndian.PutUint32(buf[off:], e[0])
		binary.BigEndian.PutUint32(buf[off+4:], e[1])
		binary.BigEndian.PutUint16(buf[off+8:], uint16(e[2]))
	}
	return buf
}

func ipToUint32(s string) uint32 {
	ip := net.ParseIP(s).To4()
	return binary.BigEndian.Uint32(ip)
}

func TestLookupHitAndMiss(t *testing.T) {
	cc, _ := PackCountryCode("US")
	raw := buildDB(t, [][3]uint32{
		{ipToUint32("1.0.0.0"), ipToUint32("1.0.0.255"), uint32(cc)},
		{ipToUint32("8.8.8.0"), ipToUint32("8.8.8.255"), uint32(cc)},
	})
	db, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	if got := CountryCode(db.LookupIP(net.ParseIP("8.8.8.8"))); got != "US" {
		t.Fatalf("expected US, got %q", got)
	}
	if got := db.LookupIP(net.ParseIP("9.9.9.9")); got != 0 {
		t.Fatalf("expected miss, got %d", got)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	raw := buildDB(t, nil)
	raw[0] = 'X'
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestPackCountryCodeEmptyDisables(t *testing.T) {
	packed, err := PackCountryCode("")
	if err != nil || packed != 0 {
		t.Fatalf("expected (0, nil), got (%d, %v)", packed, err)
	}
}
