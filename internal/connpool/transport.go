package connpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/syncspace/internal/syncerr"
)

// Transport is a message-oriented duplex connection. Receive's channel is
// closed when the underlying connection drops, which is the pool's signal
// to begin reconnection.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive() <-chan []byte
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a Transport to an endpoint. The pool dials through this so
// tests can substitute in-memory fakes.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// wsTransport wraps a gorilla websocket connection
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	recv    chan []byte
	pong    chan struct{}

	closeOnce sync.Once
}

// DialWebSocket is the production Dialer
func DialWebSocket(ctx context.Context, endpoint string) (Transport, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	t := &wsTransport{
		conn: conn,
		recv: make(chan []byte, 64),
		pong: make(chan struct{}, 1),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case t.pong <- struct{}{}:
		default:
		}
		return nil
	})
	go t.readPump()
	return t, nil
}

func (t *wsTransport) readPump() {
	defer close(t.recv)
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		t.recv <- data
	}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", syncerr.ErrTransport)
	}
	return nil
}

func (t *wsTransport) Receive() <-chan []byte {
	return t.recv
}

func (t *wsTransport) Ping(ctx context.Context) error {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	t.writeMu.Lock()
	err := t.conn.WriteControl(websocket.PingMessage, nil, deadline)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("ping write: %w", syncerr.ErrTransport)
	}

	select {
	case <-t.pong:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pong wait: %w", syncerr.ErrTimeout)
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("pong wait: %w", syncerr.ErrTimeout)
	}
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
