package pushstreamtest

import (
	"context"
	"errors"
	"sync"

	"github.com/Prismer-AI/pushstream"
)

// ErrDialRefused is returned by a FakeDialer told to fail.
var ErrDialRefused = errors.New("dial refused")

// FakeDialer is an in-memory pushstream.Dialer. Connections open as soon as
// they are listened to unless ManualOpen is set.
type FakeDialer struct {
	// ManualOpen leaves new connections pending until FakeConn.Open.
	ManualOpen bool
	// DeferClose holds back the close event of a client-side Close until
	// FakeConn.CompleteClose.
	DeferClose bool
	// BeforeDial runs inside Dial before the outcome is decided. Tests use
	// it to interleave operations with an in-flight dial.
	BeforeDial func(url string)

	mu    sync.Mutex
	fail  int
	err   error
	urls  []string
	conns []*FakeConn
}

var _ pushstream.Dialer = (*FakeDialer)(nil)

// NewFakeDialer returns a dialer that always succeeds.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// FailNext makes the next n dials fail.
func (d *FakeDialer) FailNext(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

// FailAlways makes every dial fail with err until cleared with nil.
func (d *FakeDialer) FailAlways(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Dial implements pushstream.Dialer.
func (d *FakeDialer) Dial(ctx context.Context, url string) (pushstream.Conn, error) {
	if d.BeforeDial != nil {
		d.BeforeDial(url)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.fail > 0 {
		d.fail--
		return nil, ErrDialRefused
	}
	c := &FakeConn{URL: url, manualOpen: d.ManualOpen, deferClose: d.DeferClose}
	d.conns = append(d.conns, c)
	return c, nil
}

// URLs returns every dialed URL in order, including failed dials.
func (d *FakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Conns returns every connection handed out.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Live counts connections that have not been closed.
func (d *FakeDialer) Live() int {
	d.mu.Lock()
	conns := append([]*FakeConn(nil), d.conns...)
	d.mu.Unlock()
	n := 0
	for _, c := range conns {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// FakeConn is a connection handed out by FakeDialer. Its methods deliver
// transport events synchronously on the caller's goroutine.
type FakeConn struct {
	URL string

	manualOpen bool
	deferClose bool

	mu           sync.Mutex
	ev           pushstream.TransportEvents
	listening    bool
	opened       bool
	closed       bool
	pendingClose bool
}

var _ pushstream.Conn = (*FakeConn)(nil)

// Listen implements pushstream.Conn.
func (c *FakeConn) Listen(ev pushstream.TransportEvents) {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return
	}
	c.listening = true
	c.ev = ev
	closed := c.closed && !c.pendingClose
	autoOpen := !c.manualOpen && !c.closed
	if autoOpen {
		c.opened = true
	}
	c.mu.Unlock()

	if closed {
		// Closed before anyone listened; report it now.
		emitClose(ev, 1000, "client disconnect")
		return
	}
	if autoOpen && ev.OnOpen != nil {
		ev.OnOpen()
	}
}

// Close implements pushstream.Conn.
func (c *FakeConn) Close() error {
	if c.deferClose {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
			c.pendingClose = true
		}
		c.mu.Unlock()
		return nil
	}
	return c.shut(1000, "client disconnect", nil)
}

// CompleteClose delivers the close event held back by DeferClose.
func (c *FakeConn) CompleteClose() {
	c.mu.Lock()
	if !c.pendingClose {
		c.mu.Unlock()
		return
	}
	c.pendingClose = false
	ev, listening := c.ev, c.listening
	c.mu.Unlock()
	if listening {
		emitClose(ev, 1000, "client disconnect")
	}
}

// Open delivers the open event of a ManualOpen connection.
func (c *FakeConn) Open() {
	c.mu.Lock()
	if c.opened || c.closed || !c.listening {
		c.mu.Unlock()
		return
	}
	c.opened = true
	ev := c.ev
	c.mu.Unlock()
	if ev.OnOpen != nil {
		ev.OnOpen()
	}
}

// Deliver hands payload to the listener as an inbound message.
func (c *FakeConn) Deliver(payload any) {
	c.mu.Lock()
	ev, ok := c.ev, c.listening && !c.closed
	c.mu.Unlock()
	if ok && ev.OnMessage != nil {
		ev.OnMessage(payload)
	}
}

// Fail reports err followed by an abnormal close.
func (c *FakeConn) Fail(err error) {
	_ = c.shut(1006, err.Error(), err)
}

// ServerClose closes the connection from the remote side.
func (c *FakeConn) ServerClose(code int, reason string) {
	_ = c.shut(code, reason, nil)
}

// Closed reports whether the connection has been closed.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConn) shut(code int, reason string, err error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ev, listening := c.ev, c.listening
	c.mu.Unlock()
	if !listening {
		return nil
	}
	if err != nil && ev.OnError != nil {
		ev.OnError(err)
	}
	emitClose(ev, code, reason)
	return nil
}

func emitClose(ev pushstream.TransportEvents, code int, reason string) {
	if ev.OnClose != nil {
		ev.OnClose(code, reason)
	}
}
