package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// wsTransport is the text-only fallback for environments where the
// peer-to-peer transport cannot be established (UDP-hostile networks). The
// socket itself serves as the control channel; voice mode is unsupported.
type wsTransport struct {
	cfg TransportConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	onClose func(err error)
	closed  bool
}

// NewWebSocketTransport builds the websocket fallback transport.
func NewWebSocketTransport(cfg TransportConfig) Transport {
	return &wsTransport{cfg: cfg}
}

func (t *wsTransport) Connect(ctx context.Context, cred Credential) (ControlChannel, error) {
	url := t.cfg.WebSocketURL
	if t.cfg.Model != "" {
		url += "?model=" + t.cfg.Model
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Value)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			te := &TransportError{Status: resp.StatusCode, Body: resp.Status}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, &AuthFailureError{Cause: te}
			}
			return nil, te
		}
		return nil, &NegotiationError{Cause: errors.Wrap(err, "dial realtime endpoint")}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	return &wsChannel{conn: conn, onTransportClose: t.fireClose}, nil
}

func (t *wsTransport) SetMicrophone(_ pionwebrtc.TrackLocal) error {
	return errors.New("websocket transport does not carry audio")
}

func (t *wsTransport) OnClose(fn func(err error)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *wsTransport) fireClose(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// wsChannel adapts a websocket connection to ControlChannel. The socket is
// already open when the channel is handed out, so OnOpen fires as soon as it
// is registered; the read pump starts then, which is why OnMessage must be
// registered first.
type wsChannel struct {
	conn             *websocket.Conn
	onTransportClose func(err error)

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()
	started   bool
}

func (c *wsChannel) OnOpen(fn func()) {
	c.mu.Lock()
	start := !c.started
	c.started = true
	c.mu.Unlock()
	if start {
		go c.readPump()
	}
	if fn != nil {
		go fn()
	}
}

func (c *wsChannel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *wsChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *wsChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close() error { return c.conn.Close() }

func (c *wsChannel) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				onClose := c.onClose
				c.mu.Unlock()
				if onClose != nil {
					onClose()
				}
				return
			}
			if c.onTransportClose != nil {
				c.onTransportClose(err)
			}
			return
		}
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

var _ Transport = &wsTransport{}
