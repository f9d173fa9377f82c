// Package realtimetest provides in-memory provider connections for tests.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/foxseedlab/intervista/internal/realtime"
)

var ErrDropped = errors.New("connection dropped")

// Conn is an in-memory realtime.Conn. Inbound events are queued with Push;
// written messages are recorded.
type Conn struct {
	mu       sync.Mutex
	written  [][]byte
	inbound  chan []byte
	closed   chan struct{}
	once     sync.Once
	closeErr error
}

func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return realtime.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.inbound:
		return m, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, realtime.ErrClosed
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Drop closes the connection as if the provider went away.
func (c *Conn) Drop() {
	c.mu.Lock()
	c.closeErr = ErrDropped
	c.mu.Unlock()
	c.Close()
}

func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push queues a raw inbound event.
func (c *Conn) Push(raw string) {
	c.inbound <- []byte(raw)
}

// Types returns the type field of every written message, in order.
func (c *Conn) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, w := range c.written {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(w, &env)
		out = append(out, env.Type)
	}
	return out
}

func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// Dialer hands out scripted connections. Each Dial consumes the next entry of
// Script; when the script is exhausted Dial fails.
type Dialer struct {
	mu     sync.Mutex
	Script []func() (realtime.Conn, error)
	dials  int
	conns  []*Conn
	Dialed chan *Conn
}

func NewDialer(script ...func() (realtime.Conn, error)) *Dialer {
	return &Dialer{Script: script, Dialed: make(chan *Conn, 16)}
}

// Succeed returns a script step that yields a fresh Conn.
func Succeed() func() (realtime.Conn, error) {
	return func() (realtime.Conn, error) { return NewConn(), nil }
}

// Fail returns a script step that fails the dial.
func Fail(err error) func() (realtime.Conn, error) {
	return func() (realtime.Conn, error) { return nil, err }
}

func (d *Dialer) Dial(ctx context.Context) (realtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	idx := d.dials
	d.dials++
	var step func() (realtime.Conn, error)
	if idx < len(d.Script) {
		step = d.Script[idx]
	}
	d.mu.Unlock()
	if step == nil {
		return nil, errors.New("dial refused")
	}
	conn, err := step()
	if err != nil {
		return nil, err
	}
	if fc, ok := conn.(*Conn); ok {
		d.mu.Lock()
		d.conns = append(d.conns, fc)
		d.mu.Unlock()
		select {
		case d.Dialed <- fc:
		default:
		}
	}
	return conn, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conn returns the i-th successfully dialed connection, or nil.
func (d *Dialer) Conn(i int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}
