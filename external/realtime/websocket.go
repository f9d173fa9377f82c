package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/foxseedlab/intervista/internal/config"
	"github.com/foxseedlab/intervista/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/samber/do/v2"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	closeGrace       = time.Second
)

// WebsocketDialer connects to the OpenAI Realtime endpoint.
type WebsocketDialer struct {
	url    string
	apiKey string
	dialer *websocket.Dialer
}

func NewWebsocketDialer(url, apiKey string) *WebsocketDialer {
	return &WebsocketDialer{
		url:    url,
		apiKey: apiKey,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (realtime.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")
	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage returns the next text frame. A normal close from the server is
// reported as realtime.ErrClosed.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, realtime.ErrClosed
			}
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil, realtime.ErrClosed
			}
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (realtime.Dialer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewWebsocketDialer(cfg.RealtimeURL, cfg.OpenAIAPIKey), nil
	})
}
