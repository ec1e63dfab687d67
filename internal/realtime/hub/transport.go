package hub

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Transport is the byte-level session under a Conn.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	// Close ends the session. Graceful closes perform a close handshake;
	// otherwise the underlying connection is dropped immediately.
	Close(graceful bool, reason string) error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Close(graceful bool, reason string) error {
	if graceful {
		return t.conn.Close(websocket.StatusGoingAway, reason)
	}
	return t.conn.CloseNow()
}

// ServeHTTP upgrades the request to a websocket and serves it until close.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.cfg.AllowedOrigins}
	if len(h.cfg.AllowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)
	_ = h.Serve(r.Context(), &wsTransport{conn: ws})
}
