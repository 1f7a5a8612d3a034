package connpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/syncspace/internal/syncerr"
)

// ConnState represents the lifecycle state of a pooled connection
type ConnState int32

const (
	StateConnected ConnState = iota
	StateReconnecting
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MessageHandler receives inbound messages for one subscription
type MessageHandler func(data []byte)

// Conn is a pooled connection to one endpoint, shared by any number of
// subscribers
type Conn struct {
	id       string
	endpoint string
	pool     *Pool

	state atomic.Int32

	transportMu sync.RWMutex
	transport   Transport

	subsMu sync.Mutex
	subs   map[string]MessageHandler

	// messages held while the transport reconnects, oldest first
	queueMu sync.Mutex
	queue   [][]byte

	graceMu    sync.Mutex
	graceTimer *time.Timer

	reconnectMu       sync.Mutex
	reconnectAttempts int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ID returns the connection's pool-unique identifier
func (c *Conn) ID() string { return c.id }

// Endpoint returns the endpoint this connection serves
func (c *Conn) Endpoint() string { return c.endpoint }

// State returns the current lifecycle state
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

// send writes payload or queues it while the connection is reconnecting
func (c *Conn) send(ctx context.Context, payload []byte) error {
	switch c.State() {
	case StateClosed, StateFailed:
		return fmt.Errorf("connection %s is %s: %w", c.id, c.State(), syncerr.ErrTransport)
	case StateReconnecting:
		return c.enqueue(payload)
	}

	c.transportMu.RLock()
	t := c.transport
	c.transportMu.RUnlock()
	if t == nil {
		return c.enqueue(payload)
	}

	if err := t.Send(ctx, payload); err != nil {
		c.pool.log.Warn("send on %s failed, queuing and reconnecting: %v", c.endpoint, err)
		queueErr := c.enqueue(payload)
		go c.reconnect()
		return queueErr
	}
	c.pool.countMessage()
	return nil
}

// enqueue appends payload to the bounded reconnect queue. When full, the
// oldest message is dropped and ErrBackpressure is returned so the caller
// knows delivery order was broken.
func (c *Conn) enqueue(payload []byte) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	overflow := len(c.queue) >= c.pool.opts.SendQueueSize
	if overflow {
		c.queue = c.queue[1:]
		c.pool.countDropped()
	}
	c.queue = append(c.queue, payload)
	if overflow {
		return fmt.Errorf("queue full on %s: %w", c.endpoint, syncerr.ErrBackpressure)
	}
	return nil
}

// flushQueue replays queued messages after a successful reconnect
func (c *Conn) flushQueue(t Transport) {
	c.queueMu.Lock()
	queued := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	for _, payload := range queued {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := t.Send(ctx, payload)
		cancel()
		if err != nil {
			c.pool.log.Warn("replay on %s failed: %v", c.endpoint, err)
			// put the remainder back and let the next reconnect retry
			c.queueMu.Lock()
			c.queue = append([][]byte{payload}, c.queue...)
			c.queueMu.Unlock()
			return
		}
		c.pool.countMessage()
	}
}

// subscribe registers a handler; an active subscriber cancels any pending
// grace-period teardown
func (c *Conn) subscribe(subID string, h MessageHandler) {
	c.graceMu.Lock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.graceMu.Unlock()

	c.subsMu.Lock()
	c.subs[subID] = h
	c.subsMu.Unlock()
}

// unsubscribe removes a handler. When the last subscriber leaves, the
// transport is closed after the pool's grace period unless someone
// resubscribes first.
func (c *Conn) unsubscribe(subID string) error {
	c.subsMu.Lock()
	if _, ok := c.subs[subID]; !ok {
		c.subsMu.Unlock()
		return fmt.Errorf("subscription %s: %w", subID, syncerr.ErrNotFound)
	}
	delete(c.subs, subID)
	remaining := len(c.subs)
	c.subsMu.Unlock()

	if remaining == 0 {
		c.graceMu.Lock()
		if c.graceTimer != nil {
			c.graceTimer.Stop()
		}
		c.graceTimer = time.AfterFunc(c.pool.opts.GracePeriod, func() {
			c.subsMu.Lock()
			empty := len(c.subs) == 0
			c.subsMu.Unlock()
			if empty {
				c.pool.remove(c)
			}
		})
		c.graceMu.Unlock()
	}
	return nil
}

// readLoop dispatches inbound messages to subscribers until the transport
// drops, then hands off to reconnection
func (c *Conn) readLoop(t Transport) {
	for {
		select {
		case <-c.stopCh:
			return
		case data, ok := <-t.Receive():
			if !ok {
				if c.State() == StateConnected {
					go c.reconnect()
				}
				return
			}
			c.pool.countMessage()
			c.dispatch(data)
		}
	}
}

func (c *Conn) dispatch(data []byte) {
	c.subsMu.Lock()
	handlers := make([]MessageHandler, 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.subsMu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// reconnect re-dials with exponential backoff. After MaxReconnectAttempts
// the connection is marked failed and evicted from the pool.
func (c *Conn) reconnect() {
	// only one reconnect may run; a concurrent trigger on an already
	// recovering or recovered connection is a no-op
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		return
	}
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.transportMu.Lock()
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.transportMu.Unlock()

	opts := c.pool.opts
	for c.reconnectAttempts < opts.MaxReconnectAttempts {
		delay := opts.ReconnectDelay * time.Duration(1<<uint(c.reconnectAttempts))
		if delay > opts.ReconnectMaxDelay {
			delay = opts.ReconnectMaxDelay
		}
		c.pool.log.Info("reconnecting %s in %s (attempt %d/%d)",
			c.endpoint, delay, c.reconnectAttempts+1, opts.MaxReconnectAttempts)

		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}
		c.reconnectAttempts++

		ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
		t, err := opts.Dialer(ctx, c.endpoint)
		cancel()
		if err != nil {
			c.pool.log.Warn("reconnect %s failed: %v", c.endpoint, err)
			continue
		}

		select {
		case <-c.stopCh:
			_ = t.Close()
			return
		default:
		}

		c.transportMu.Lock()
		c.transport = t
		c.transportMu.Unlock()
		c.reconnectAttempts = 0
		c.setState(StateConnected)
		go c.readLoop(t)
		c.flushQueue(t)
		c.pool.log.Info("reconnected %s", c.endpoint)
		return
	}

	c.pool.log.Error("giving up on %s after %d attempts", c.endpoint, opts.MaxReconnectAttempts)
	c.setState(StateFailed)
	c.pool.countFailed()
	c.pool.notifyConnError(c.endpoint, fmt.Errorf(
		"reconnect abandoned after %d attempts: %w", opts.MaxReconnectAttempts, syncerr.ErrTransport))
	c.pool.remove(c)
}

// close tears the connection down without reconnection
func (c *Conn) close() {
	c.stopOnce.Do(func() {
		if c.State() != StateFailed {
			c.setState(StateClosed)
		}
		close(c.stopCh)

		c.graceMu.Lock()
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		c.graceMu.Unlock()

		c.transportMu.Lock()
		if c.transport != nil {
			_ = c.transport.Close()
			c.transport = nil
		}
		c.transportMu.Unlock()
	})
}
