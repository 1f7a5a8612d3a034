package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/syncspace/internal/syncerr"
)

// fakeTransport is an in-memory Transport for tests
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	recv    chan []byte
	closed  bool
	pingErr error
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan []byte, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Receive() <-chan []byte { return f.recv }

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.recv)
	}
	return nil
}

func (f *fakeTransport) sentMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeDialer hands out scripted transports
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	transports []*fakeTransport
	failures   int // dials to fail before succeeding
}

func (d *fakeDialer) dial(ctx context.Context, endpoint string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < len(d.transports) {
		return d.transports[i]
	}
	return nil
}

func testOptions(d *fakeDialer) Options {
	return Options{
		MaxConnections:       4,
		ConnectTimeout:       time.Second,
		HealthInterval:       0, // probes driven manually in tests
		HealthTimeout:        time.Second,
		SendQueueSize:        8,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		GracePeriod:          30 * time.Millisecond,
		Dialer:               d.dial,
	}
}

func TestGetReusesConnectionPerEndpoint(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(testOptions(d))
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Get(ctx, "ws://peer-a/sync")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.Get(ctx, "ws://peer-a/sync")
	if err != nil {
		t.Fatal(err)
	}
	if c1.ID() != c2.ID() {
		t.Error("same endpoint must reuse the same connection")
	}
	if d.dialCount() != 1 {
		t.Errorf("expected 1 dial, got %d", d.dialCount())
	}

	c3, err := p.Get(ctx, "ws://peer-b/sync")
	if err != nil {
		t.Fatal(err)
	}
	if c3.ID() == c1.ID() {
		t.Error("different endpoints must not share a connection")
	}
}

func TestCapacityExceeded(t *testing.T) {
	d := &fakeDialer{}
	opts := testOptions(d)
	opts.MaxConnections = 2
	p := NewPool(opts)
	defer p.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Get(ctx, fmt.Sprintf("ws://peer-%d/sync", i)); err != nil {
			t.Fatal(err)
		}
	}

	_, err := p.Get(ctx, "ws://peer-extra/sync")
	if !errors.Is(err, syncerr.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	// existing endpoints stay reachable at capacity
	if _, err := p.Get(ctx, "ws://peer-0/sync"); err != nil {
		t.Errorf("reuse at capacity failed: %v", err)
	}
}

func TestSendRecordsAndCounts(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(testOptions(d))
	defer p.Close()

	ctx := context.Background()
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Send(ctx, c.ID(), []byte("hello")); err != nil {
		t.Fatal(err)
	}

	sent := d.transport(0).sentMessages()
	if len(sent) != 1 || string(sent[0]) != "hello" {
		t.Errorf("unexpected sent messages: %v", sent)
	}
	if m := p.Metrics(); m.TotalMessages != 1 {
		t.Errorf("TotalMessages = %d, want 1", m.TotalMessages)
	}
}

func TestSendUnknownConnection(t *testing.T) {
	p := NewPool(testOptions(&fakeDialer{}))
	defer p.Close()

	err := p.Send(context.Background(), "no-such-id", []byte("x"))
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeReceivesMessages(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(testOptions(d))
	defer p.Close()

	ctx := context.Background()
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan []byte, 1)
	if err := p.Subscribe(c.ID(), "sub-1", func(data []byte) { got <- data }); err != nil {
		t.Fatal(err)
	}

	d.transport(0).recv <- []byte("inbound")

	select {
	case data := <-got:
		if string(data) != "inbound" {
			t.Errorf("got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestReconnectReplaysQueuedMessages(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(testOptions(d))
	defer p.Close()

	ctx := context.Background()
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}

	// drop the transport; the read loop notices and reconnects
	d.transport(0).Close()

	deadline := time.Now().Add(time.Second)
	for c.State() != StateReconnecting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// messages sent during the outage are queued in order
	if err := p.Send(ctx, c.ID(), []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := p.Send(ctx, c.ID(), []byte("second")); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for c.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.State() != StateConnected {
		t.Fatalf("connection never recovered, state %s", c.State())
	}

	// replayed on the fresh transport in order
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sent := d.transport(1).sentMessages(); len(sent) == 2 {
			if string(sent[0]) != "first" || string(sent[1]) != "second" {
				t.Fatalf("replay out of order: %q %q", sent[0], sent[1])
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("queued messages never replayed")
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{}
	opts := testOptions(d)
	opts.MaxReconnectAttempts = 2
	p := NewPool(opts)
	defer p.Close()

	ctx := context.Background()
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}

	d.mu.Lock()
	d.failures = 1000 // every redial fails
	d.mu.Unlock()
	d.transport(0).Close()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", c.State())
	}

	if m := p.Metrics(); m.FailedConnections != 1 {
		t.Errorf("FailedConnections = %d, want 1", m.FailedConnections)
	}
	if _, err := p.Lookup(c.ID()); !errors.Is(err, syncerr.ErrNotFound) {
		t.Error("failed connection should be evicted from the pool")
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	d := &fakeDialer{}
	opts := testOptions(d)
	opts.SendQueueSize = 3
	opts.MaxReconnectAttempts = 1
	opts.ReconnectDelay = time.Hour // hold the connection in reconnecting
	p := NewPool(opts)
	defer p.Close()

	ctx := context.Background()
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}
	d.transport(0).Close()

	deadline := time.Now().Add(time.Second)
	for c.State() != StateReconnecting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		if err := p.Send(ctx, c.ID(), []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("send %d within queue bound: %v", i, err)
		}
	}

	err = p.Send(ctx, c.ID(), []byte("m3"))
	if !errors.Is(err, syncerr.ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) != 3 {
		t.Fatalf("queue length %d, want 3", len(c.queue))
	}
	if string(c.queue[0]) != "m1" || string(c.queue[2]) != "m3" {
		t.Errorf("oldest message not dropped: %q .. %q", c.queue[0], c.queue[2])
	}
	if m := p.Metrics(); m.DroppedMessages != 1 {
		t.Errorf("DroppedMessages = %d, want 1", m.DroppedMessages)
	}
}

func TestLastUnsubscribeClosesAfterGrace(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(testOptions(d))
	defer p.Close()

	ctx := context.Background()
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Subscribe(c.ID(), "sub-1", func([]byte) {}); err != nil {
		t.Fatal(err)
	}
	if err := p.Unsubscribe(c.ID(), "sub-1"); err != nil {
		t.Fatal(err)
	}

	// still alive inside the grace period
	if _, err := p.Lookup(c.ID()); err != nil {
		t.Fatal("connection must survive the grace period")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := p.Lookup(c.ID()); errors.Is(err, syncerr.ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connection not torn down after grace period")
}

func TestResubscribeCancelsTeardown(t *testing.T) {
	d := &fakeDialer{}
	opts := testOptions(d)
	opts.GracePeriod = 50 * time.Millisecond
	p := NewPool(opts)
	defer p.Close()

	ctx := context.Background()
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Subscribe(c.ID(), "sub-1", func([]byte) {}); err != nil {
		t.Fatal(err)
	}
	if err := p.Unsubscribe(c.ID(), "sub-1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Subscribe(c.ID(), "sub-2", func([]byte) {}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(120 * time.Millisecond)
	if _, err := p.Lookup(c.ID()); err != nil {
		t.Error("resubscribe within grace period must keep the connection open")
	}
}

func TestUnsubscribeUnknown(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(testOptions(d))
	defer p.Close()

	c, err := p.Get(context.Background(), "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Unsubscribe(c.ID(), "ghost"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFailedHealthProbeTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(testOptions(d))
	defer p.Close()

	ctx := context.Background()
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}

	ft := d.transport(0)
	ft.mu.Lock()
	ft.pingErr = errors.New("no pong")
	ft.mu.Unlock()

	p.probeAll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateConnected && d.dialCount() >= 2 {
			return // reconnected onto a fresh transport
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("probe failure did not drive reconnection (state %s, dials %d)",
		c.State(), d.dialCount())
}

func TestFailedDialCountsAndNotifies(t *testing.T) {
	d := &fakeDialer{failures: 1}
	opts := testOptions(d)

	var mu sync.Mutex
	var reported []string
	opts.OnConnError = func(endpoint string, err error) {
		mu.Lock()
		reported = append(reported, endpoint)
		mu.Unlock()
	}
	p := NewPool(opts)
	defer p.Close()

	ctx := context.Background()
	if _, err := p.Get(ctx, "ws://peer/sync"); err == nil {
		t.Fatal("expected dial error")
	}

	m := p.Metrics()
	if m.FailedConnections != 1 {
		t.Errorf("FailedConnections = %d, want 1", m.FailedConnections)
	}
	if m.ActiveConnections != 0 {
		t.Errorf("failed placeholder still registered: %d active", m.ActiveConnections)
	}
	mu.Lock()
	if len(reported) != 1 || reported[0] != "ws://peer/sync" {
		t.Errorf("error hook saw %v", reported)
	}
	mu.Unlock()

	// the endpoint stays dialable after the failure
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s after retry", c.State())
	}
}

func TestSendDuringInitialDialFlushesAfterConnect(t *testing.T) {
	ft := newFakeTransport()
	release := make(chan struct{})
	releaseDial := sync.OnceFunc(func() { close(release) })
	defer releaseDial()
	opts := testOptions(&fakeDialer{})
	opts.Dialer = func(ctx context.Context, endpoint string) (Transport, error) {
		<-release
		return ft, nil
	}
	p := NewPool(opts)
	defer p.Close()

	ctx := context.Background()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		if _, err := p.Get(ctx, "ws://peer/sync"); err != nil {
			t.Errorf("blocked dial failed: %v", err)
		}
	}()

	// wait for the placeholder so the second Get shares the pending dial
	deadline := time.Now().Add(time.Second)
	for p.Metrics().ActiveConnections == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c, err := p.Get(ctx, "ws://peer/sync")
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateReconnecting {
		t.Fatalf("placeholder state = %s, want %s", c.State(), StateReconnecting)
	}

	if err := p.Send(ctx, c.ID(), []byte("early")); err != nil {
		t.Fatalf("queueing during dial: %v", err)
	}

	releaseDial()
	<-firstDone

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sent := ft.sentMessages()
		if len(sent) == 1 && string(sent[0]) == "early" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queued message never flushed after connect: %q", ft.sentMessages())
}
