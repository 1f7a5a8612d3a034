// Package connpool maintains a bounded set of WebSocket connections keyed
// by endpoint. Connections are shared across subscribers, survive transient
// failures through backoff-based reconnection, and are torn down a grace
// period after their last subscriber leaves.
package connpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/syncspace/internal/consts"
	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/syncerr"
)

// Options tunes pool behavior
type Options struct {
	MaxConnections       int
	ConnectTimeout       time.Duration
	HealthInterval       time.Duration
	HealthTimeout        time.Duration
	SendQueueSize        int
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	GracePeriod          time.Duration
	Dialer               Dialer

	// OnConnError, when set, is invoked for failed dials and abandoned
	// connections so callers can surface transport trouble.
	OnConnError func(endpoint string, err error)
}

// DefaultOptions returns the pool defaults with the WebSocket dialer
func DefaultOptions() Options {
	return Options{
		MaxConnections:       consts.DefaultMaxConnections,
		ConnectTimeout:       consts.Timeout10Seconds,
		HealthInterval:       consts.DefaultHealthProbeInterval,
		HealthTimeout:        consts.DefaultHealthProbeTimeout,
		SendQueueSize:        consts.DefaultSendQueueSize,
		MaxReconnectAttempts: consts.DefaultMaxReconnectAttempts,
		ReconnectDelay:       2 * time.Second,
		ReconnectMaxDelay:    consts.Timeout30Seconds,
		GracePeriod:          consts.DefaultConnectionGracePeriod,
		Dialer:               DialWebSocket,
	}
}

// Metrics is a snapshot of pool counters
type Metrics struct {
	TotalMessages     uint64
	FailedConnections uint64
	DroppedMessages   uint64
	ActiveConnections int
}

// Pool owns the connections
type Pool struct {
	opts Options
	log  *logger.Logger

	mu         sync.Mutex
	byEndpoint map[string]*Conn
	byID       map[string]*Conn

	totalMessages     uint64
	failedConnections uint64
	droppedMessages   uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool and starts its health probe loop
func NewPool(opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = consts.DefaultMaxConnections
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = consts.DefaultSendQueueSize
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = consts.DefaultMaxReconnectAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = consts.Timeout10Seconds
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = consts.Timeout30Seconds
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = consts.DefaultConnectionGracePeriod
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = consts.DefaultHealthProbeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = DialWebSocket
	}

	p := &Pool{
		opts:       opts,
		log:        logger.Global().WithPrefix("connpool"),
		byEndpoint: make(map[string]*Conn),
		byID:       make(map[string]*Conn),
		stopCh:     make(chan struct{}),
	}
	if opts.HealthInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}
	return p
}

// Get returns the open connection for endpoint, dialing one if none exists.
// A new endpoint beyond MaxConnections fails fast with ErrCapacityExceeded.
func (p *Pool) Get(ctx context.Context, endpoint string) (*Conn, error) {
	p.mu.Lock()
	if c, ok := p.byEndpoint[endpoint]; ok {
		p.mu.Unlock()
		return c, nil
	}
	if len(p.byEndpoint) >= p.opts.MaxConnections {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool at %d connections: %w",
			p.opts.MaxConnections, syncerr.ErrCapacityExceeded)
	}
	// reserve the slot before releasing the lock so concurrent Gets for the
	// same endpoint share one dial
	placeholder := &Conn{
		id:       uuid.New().String(),
		endpoint: endpoint,
		pool:     p,
		subs:     make(map[string]MessageHandler),
		stopCh:   make(chan struct{}),
	}
	placeholder.setState(StateReconnecting)
	p.byEndpoint[endpoint] = placeholder
	p.byID[placeholder.id] = placeholder
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	t, err := p.opts.Dialer(dialCtx, endpoint)
	cancel()
	if err != nil {
		p.countFailed()
		p.notifyConnError(endpoint, err)
		p.remove(placeholder)
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	placeholder.transportMu.Lock()
	placeholder.transport = t
	placeholder.transportMu.Unlock()
	placeholder.setState(StateConnected)
	go placeholder.readLoop(t)
	// sends that raced the dial are parked in the queue
	placeholder.flushQueue(t)

	p.log.Debug("opened connection %s to %s", placeholder.id, endpoint)
	return placeholder, nil
}

// Lookup returns the connection with the given ID
func (p *Pool) Lookup(connID string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[connID]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", connID, syncerr.ErrNotFound)
	}
	return c, nil
}

// Send delivers payload over the identified connection, queuing it if the
// connection is mid-reconnect
func (p *Pool) Send(ctx context.Context, connID string, payload []byte) error {
	c, err := p.Lookup(connID)
	if err != nil {
		return err
	}
	return c.send(ctx, payload)
}

// Subscribe registers a message handler on a connection
func (p *Pool) Subscribe(connID, subID string, h MessageHandler) error {
	c, err := p.Lookup(connID)
	if err != nil {
		return err
	}
	c.subscribe(subID, h)
	return nil
}

// Unsubscribe removes a handler; the last removal schedules teardown after
// the grace period
func (p *Pool) Unsubscribe(connID, subID string) error {
	c, err := p.Lookup(connID)
	if err != nil {
		return err
	}
	return c.unsubscribe(subID)
}

// Metrics returns a snapshot of pool counters
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		TotalMessages:     p.totalMessages,
		FailedConnections: p.failedConnections,
		DroppedMessages:   p.droppedMessages,
		ActiveConnections: len(p.byEndpoint),
	}
}

// Close tears down every connection and stops the health loop
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.byID))
	for _, c := range p.byID {
		conns = append(conns, c)
	}
	p.byEndpoint = make(map[string]*Conn)
	p.byID = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	p.wg.Wait()
}

// remove evicts a connection and closes its transport
func (p *Pool) remove(c *Conn) {
	p.mu.Lock()
	if cur, ok := p.byEndpoint[c.endpoint]; ok && cur == c {
		delete(p.byEndpoint, c.endpoint)
	}
	delete(p.byID, c.id)
	p.mu.Unlock()
	c.close()
}

// healthLoop pings every connected transport; a failed probe triggers
// reconnection
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Pool) probeAll() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.byEndpoint))
	for _, c := range p.byEndpoint {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		if c.State() != StateConnected {
			continue
		}
		c.transportMu.RLock()
		t := c.transport
		c.transportMu.RUnlock()
		if t == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.HealthTimeout)
		err := t.Ping(ctx)
		cancel()
		if err != nil {
			p.log.Warn("health probe failed for %s: %v", c.endpoint, err)
			go c.reconnect()
		}
	}
}

func (p *Pool) countMessage() {
	p.mu.Lock()
	p.totalMessages++
	p.mu.Unlock()
}

func (p *Pool) countFailed() {
	p.mu.Lock()
	p.failedConnections++
	p.mu.Unlock()
}

func (p *Pool) notifyConnError(endpoint string, err error) {
	if p.opts.OnConnError != nil {
		p.opts.OnConnError(endpoint, err)
	}
}

func (p *Pool) countDropped() {
	p.mu.Lock()
	p.droppedMessages++
	p.mu.Unlock()
}
