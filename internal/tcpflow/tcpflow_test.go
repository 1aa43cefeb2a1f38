package tcpflow

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dualstack/veilbound/pkg/errkind"
	"github.com/dualstack/veilbound/pkg/fakeip"
)

func TestResolveFakeIPHit(t *testing.T) {
	pool := fakeip.New()
	off := pool.Allocate("example.com", "cfg1", false)

	dst, ok, err := Resolve(fakeip.IPv4(off), 443, pool, nil, 0)
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if dst.Host != "example.com" || dst.ConfigID != "cfg1" || dst.ForceBypass {
		t.Fatalf("unexpected destination: %+v", dst)
	}
}

func TestResolveFakeIPMissRejected(t *testing.T) {
	pool := fakeip.New()
	_, ok, err := Resolve(fakeip.IPv4(42), 443, pool, nil, 0)
	if ok || err == nil {
		t.Fatalf("expected rejection for unmapped fake-ip offset, got ok=%v err=%v", ok, err)
	}
	if !errkind.Is(err, errkind.ConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestResolvePlainIPPassthrough(t *testing.T) {
	pool := fakeip.New()
	ip := net.ParseIP("93.184.216.34")
	dst, ok, err := Resolve(ip, 80, pool, nil, 0)
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if dst.Host != ip.String() {
		t.Fatalf("expected passthrough host %s, got %s", ip, dst.Host)
	}
}

// fakeLocal is an in-memory LocalSide with an adjustable send-buffer
// cap, used to exercise the overflow/resume path deterministically.
type fakeLocal struct {
	mu       sync.Mutex
	sndbuf   int
	received bytes.Buffer
	closed   bool
	aborted  bool
	uplink   chan []byte
}

func newFakeLocal(sndbuf int) *fakeLocal {
	return &fakeLocal{sndbuf: sndbuf, uplink: make(chan []byte, 8)}
}

func (f *fakeLocal) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case b, ok := <-f.uplink:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeLocal) SndBuf() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sndbuf
}

func (f *fakeLocal) setSndBuf(n int) {
	f.mu.Lock()
	f.sndbuf = n
	f.mu.Unlock()
}

func (f *fakeLocal) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(p)
	if n > f.sndbuf {
		n = f.sndbuf
	}
	f.received.Write(p[:n])
	f.sndbuf -= n
	return n, nil
}

func (f *fakeLocal) Output() error     { return nil }
func (f *fakeLocal) CloseWrite() error { return nil }
func (f *fakeLocal) CloseRead() error  { return nil }
func (f *fakeLocal) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
func (f *fakeLocal) Abort() {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
}

// fakeOutbound is an io.ReadWriteCloser backed by an in-memory pipe,
// standing in for the VLESS/direct outbound connection.
type fakeOutbound struct {
	io.Reader
	io.Writer
	closed bool
}

func (f *fakeOutbound) Close() error {
	f.closed = true
	if c, ok := f.Reader.(io.Closer); ok {
		c.Close()
	}
	return nil
}

func TestHandlerRelaysBothDirections(t *testing.T) {
	local := newFakeLocal(1 << 20)
	srvR, cliW := io.Pipe()
	cliR, srvW := io.Pipe()
	outbound := &fakeOutbound{Reader: cliR, Writer: cliW}

	dial := func(ctx context.Context, dst Destination, bypass bool) (io.ReadWriteCloser, error) {
		return outbound, nil
	}
	h := NewHandler(local, dial, Destination{Host: "example.com", Port: 443}, false)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	local.uplink <- []byte("hello")
	buf := make([]byte, 5)
	io.ReadFull(srvR, buf)
	if string(buf) != "hello" {
		t.Fatalf("expected uplink bytes to reach outbound, got %q", buf)
	}

	srvW.Write([]byte("world"))
	time.Sleep(20 * time.Millisecond)
	local.mu.Lock()
	got := local.received.String()
	local.mu.Unlock()
	if got != "world" {
		t.Fatalf("expected downlink bytes to reach local, got %q", got)
	}

	close(local.uplink)
	srvW.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected handler error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not finish")
	}
}

func TestHandlerAbortsOnOverflow(t *testing.T) {
	local := newFakeLocal(0) // no headroom, forces every downlink byte into overflow
	close(local.uplink)     // nothing to say upstream; let uplinkLoop exit immediately via EOF
	srvR, cliW := io.Pipe()
	outbound := &fakeOutbound{Reader: srvR, Writer: cliW}

	big := bytes.Repeat([]byte{'x'}, overflowCap+1)
	dial := func(ctx context.Context, dst Destination, bypass bool) (io.ReadWriteCloser, error) {
		go func() {
			cliW.Write(big)
		}()
		return outbound, nil
	}
	h := NewHandler(local, dial, Destination{}, false)

	err := h.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errkind.Is(err, errkind.BackpressureOverflow) {
		t.Fatalf("expected BackpressureOverflow, got %v", err)
	}
	if h.State() != StateAborted {
		t.Fatalf("expected Aborted state, got %v", h.State())
	}
}
