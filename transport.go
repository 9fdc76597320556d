package pushstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// TransportEvents receives the lifecycle of one connection. Any field may be
// nil. Callbacks are invoked from the connection's own goroutine, in order:
// OnOpen, any number of OnMessage, optionally OnError, then OnClose.
type TransportEvents struct {
	OnOpen    func()
	OnMessage func(payload any)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

func (e TransportEvents) emitOpen() {
	if e.OnOpen != nil {
		e.OnOpen()
	}
}

func (e TransportEvents) emitMessage(payload any) {
	if e.OnMessage != nil {
		e.OnMessage(payload)
	}
}

func (e TransportEvents) emitClose(code int, reason string) {
	if e.OnClose != nil {
		e.OnClose(code, reason)
	}
}

func (e TransportEvents) emitError(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

// Conn is a dialed streaming connection.
type Conn interface {
	// Listen starts delivering events. Only the first call has effect.
	Listen(ev TransportEvents)
	// Close closes the connection. OnClose fires afterwards if Listen was called.
	Close() error
}

// Dialer opens streaming connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ============================================================================
// WebSocket implementation
// ============================================================================

const (
	closeReasonClient = "client disconnect"
	defaultPingWait   = 10 * time.Second
)

// WebSocketDialer dials WebSocket endpoints. Text messages are delivered as
// string payloads and binary messages as []byte.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	// ReadLimit caps a single message size. Zero keeps the library default.
	ReadLimit int64
	// PingInterval enables keepalive pings. A failed ping closes the conn.
	PingInterval time.Duration
	PingTimeout  time.Duration
}

var _ Dialer = (*WebSocketDialer)(nil)

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient, HTTPHeader: d.Header}
	conn, resp, err := websocket.Dial(ctx, rawURL, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	pingTimeout := d.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingWait
	}
	cctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		conn:         conn,
		ctx:          cctx,
		cancel:       cancel,
		pingInterval: d.PingInterval,
		pingTimeout:  pingTimeout,
	}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	pingInterval time.Duration
	pingTimeout  time.Duration

	listenOnce sync.Once
	closing    atomic.Bool
}

func (c *wsConn) Listen(ev TransportEvents) {
	c.listenOnce.Do(func() { go c.run(ev) })
}

func (c *wsConn) run(ev TransportEvents) {
	ev.emitOpen()
	if c.pingInterval > 0 {
		go c.keepalive()
	}
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.finish(ev, err)
			return
		}
		if typ == websocket.MessageBinary {
			ev.emitMessage(data)
		} else {
			ev.emitMessage(string(data))
		}
	}
}

func (c *wsConn) finish(ev TransportEvents, err error) {
	c.cancel()
	if c.closing.Load() {
		ev.emitClose(int(websocket.StatusNormalClosure), closeReasonClient)
		return
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		ev.emitClose(int(ce.Code), ce.Reason)
		return
	}
	ev.emitError(err)
	ev.emitClose(int(websocket.StatusAbnormalClosure), err.Error())
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.pingTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, closeReasonClient)
	c.cancel()
	return err
}
