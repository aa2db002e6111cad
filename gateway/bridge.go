package gateway

import (
	"io"
	"net/http"
	"sync"

	"github.com/guseggert/espz/transport"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Bridge relays a raw console link over a WebSocket, so a console attached to one machine can be driven from another
// with a ws:// address. Only one session may hold the link at a time.
type Bridge struct {
	Log    *zap.SugaredLogger
	Dialer transport.Dialer

	mut  sync.Mutex
	busy bool
}

func (b *Bridge) acquire() bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.busy {
		return false
	}
	b.busy = true
	return true
}

func (b *Bridge) release() {
	b.mut.Lock()
	b.busy = false
	b.mut.Unlock()
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !b.acquire() {
		http.Error(w, "console is in use", http.StatusConflict)
		return
	}
	defer b.release()

	localConn, err := b.Dialer.DialContext(r.Context())
	if err != nil {
		b.Log.Debugf("bridge dial error: %s", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer localConn.Close()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		b.Log.Debugf("bridge WebSocket accept error: %s", err)
		return
	}
	remoteConn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	b.Log.Debugw("bridge session started", "Remote", r.RemoteAddr, "Target", b.Dialer.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer remoteConn.Close()
		defer localConn.Close()
		_, err := io.Copy(localConn, remoteConn)
		if err != nil {
			b.Log.Debugf("bridge copy to console error: %s", err)
		}
	}()
	_, err = io.Copy(remoteConn, localConn)
	if err != nil {
		b.Log.Debugf("bridge copy to remote error: %s", err)
	}
	remoteConn.Close()
	<-done
	b.Log.Debugw("bridge session ended", "Remote", r.RemoteAddr)
}
