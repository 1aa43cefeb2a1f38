package udpflow

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dualstack/veilbound/pkg/fakeip"
)

func TestResolveFakeIPBacked(t *testing.T) {
	pool := fakeip.New()
	off := pool.Allocate("example.com", "cfg1", false)

	dst := Resolve(fakeip.IPv4(off), 53, pool, nil, 0)
	if dst.Host != "example.com" || dst.ConfigID != "cfg1" || dst.ForceBypass {
		t.Fatalf("unexpected destination: %+v", dst)
	}
}

func TestResolvePassthroughOnMiss(t *testing.T) {
	pool := fakeip.New()
	ip := net.ParseIP("8.8.8.8")
	dst := Resolve(ip, 53, pool, nil, 0)
	if dst.Host != ip.String() {
		t.Fatalf("expected passthrough host, got %+v", dst)
	}
}

func TestResolveStaleFakeIPFallsBackToPassthrough(t *testing.T) {
	pool := fakeip.New()
	ip := fakeip.IPv4(42) // never allocated: tcpflow.Resolve would reject this for a TCP accept.
	dst := Resolve(ip, 53, pool, nil, 0)
	if dst.Host != ip.String() {
		t.Fatalf("expected stale fake-ip to fall back to passthrough, got %+v", dst)
	}
}

// fakePath is an in-memory Path recording every send and letting the
// test trigger responses on demand.
type fakePath struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	onRecv func([]byte)
}

func (p *fakePath) Send(payload []byte) error {
	p.mu.Lock()
	p.sent = append(p.sent, append([]byte(nil), payload...))
	p.mu.Unlock()
	return nil
}

func (p *fakePath) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePath) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func newTestManager(t *testing.T, block chan struct{}) (*Manager, *fakePath) {
	t.Helper()
	path := &fakePath{}
	dial := func(ctx context.Context, dst Destination, kind PathKind, onRecv func([]byte)) (Path, error) {
		if block != nil {
			<-block
		}
		path.onRecv = onRecv
		return path, nil
	}
	sel := func(dst Destination) PathKind { return PathDirect }
	return NewManager(dial, sel), path
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestHandleQueuesUntilDialCompletes(t *testing.T) {
	block := make(chan struct{})
	m, path := newTestManager(t, block)

	key := Key{SrcIP: "10.0.0.1", SrcPort: 1000, DstIP: "93.184.216.34", DstPort: 53}
	dst := Destination{Host: "93.184.216.34", Port: 53}

	var gotResponses [][]byte
	var mu sync.Mutex
	wb := func(b []byte) error {
		mu.Lock()
		gotResponses = append(gotResponses, append([]byte(nil), b...))
		mu.Unlock()
		return nil
	}

	m.Handle(context.Background(), key, dst, []byte("first"), wb)
	m.Handle(context.Background(), key, dst, []byte("second"), wb)

	if path.sentCount() != 0 {
		t.Fatal("expected no sends before dial completes")
	}

	close(block)
	waitFor(t, func() bool { return path.sentCount() == 2 })

	if string(path.sent[0]) != "first" || string(path.sent[1]) != "second" {
		t.Fatalf("expected queued order preserved, got %q", path.sent)
	}

	path.onRecv([]byte("reply"))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotResponses) == 1
	})
	if string(gotResponses[0]) != "reply" {
		t.Fatalf("expected reply forwarded to writeBack, got %q", gotResponses[0])
	}
}

func TestGlobalFlowCapDropsNewFlow(t *testing.T) {
	m, _ := newTestManager(t, nil)

	wb := func(b []byte) error { return nil }
	for i := 0; i < globalCap; i++ {
		key := Key{SrcIP: "10.0.0.1", SrcPort: uint16(i), DstIP: "1.1.1.1", DstPort: 80}
		m.Handle(context.Background(), key, Destination{Host: "1.1.1.1", Port: 80}, []byte("x"), wb)
	}
	waitFor(t, func() bool { return m.Count() == globalCap })

	key := Key{SrcIP: "10.0.0.1", SrcPort: 9999, DstIP: "1.1.1.1", DstPort: 80}
	m.Handle(context.Background(), key, Destination{Host: "1.1.1.1", Port: 80}, []byte("x"), wb)

	if m.Count() != globalCap {
		t.Fatalf("expected flow count to stay at cap %d, got %d", globalCap, m.Count())
	}
}

func TestQueueCapDropsExcessBytes(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	m, _ := newTestManager(t, block)

	key := Key{SrcIP: "10.0.0.1", SrcPort: 1, DstIP: "1.1.1.1", DstPort: 80}
	dst := Destination{Host: "1.1.1.1", Port: 80}
	wb := func(b []byte) error { return nil }

	big := make([]byte, queueCap)
	m.Handle(context.Background(), key, dst, big, wb)
	m.Handle(context.Background(), key, dst, []byte("overflow"), wb)

	m.mu.Lock()
	f := m.flows[key]
	m.mu.Unlock()

	f.mu.Lock()
	n := len(f.queue)
	bytes := f.queuedBytes
	f.mu.Unlock()

	if n != 1 || bytes != queueCap {
		t.Fatalf("expected overflow datagram dropped, got %d queued entries / %d bytes", n, bytes)
	}
}

func TestSweepClosesIdleFlow(t *testing.T) {
	m, path := newTestManager(t, nil)
	key := Key{SrcIP: "10.0.0.1", SrcPort: 1, DstIP: "1.1.1.1", DstPort: 80}
	wb := func(b []byte) error { return nil }
	m.Handle(context.Background(), key, Destination{Host: "1.1.1.1", Port: 80}, []byte("x"), wb)
	waitFor(t, func() bool { return path.sentCount() == 1 })

	m.mu.Lock()
	f := m.flows[key]
	f.mu.Lock()
	f.lastActivity = time.Now().Add(-idleTimeout - time.Second)
	f.mu.Unlock()
	m.mu.Unlock()

	m.Sweep()

	if m.Count() != 0 {
		t.Fatal("expected idle flow to be swept")
	}
	path.mu.Lock()
	closed := path.closed
	path.mu.Unlock()
	if !closed {
		t.Fatal("expected path to be closed on sweep")
	}
}

func TestLengthPrefixDecoderHandlesSplitAndConcatenated(t *testing.T) {
	var got [][]byte
	dec := &lengthPrefixDecoder{}
	emit := func(b []byte) { got = append(got, append([]byte(nil), b...)) }

	// concatenated: two full frames in one chunk.
	dec.feed([]byte{0, 3, 'a', 'b', 'c', 0, 2, 'd', 'e'}, emit)
	if len(got) != 2 || string(got[0]) != "abc" || string(got[1]) != "de" {
		t.Fatalf("unexpected concatenated decode: %q", got)
	}

	got = nil
	// split across two feeds, mid-header and mid-payload.
	dec.feed([]byte{0}, emit)
	dec.feed([]byte{4, 'w', 'x'}, emit)
	if len(got) != 0 {
		t.Fatalf("expected no emit until full frame arrives, got %q", got)
	}
	dec.feed([]byte{'y', 'z'}, emit)
	if len(got) != 1 || string(got[0]) != "wxyz" {
		t.Fatalf("expected split frame reassembled, got %q", got)
	}
}
