package transport

import (
	"context"
	"io"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// WebSocketDialer connects to a bridge that relays raw console bytes as binary WebSocket messages.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (d *WebSocketDialer) String() string { return d.URL }

func (d *WebSocketDialer) DialContext(ctx context.Context) (io.ReadWriteCloser, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	wsConn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, &ConnectionError{Target: d.URL, Err: err}
	}
	// The net.Conn outlives the dial context.
	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}
