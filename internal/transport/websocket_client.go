package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"
)

const defaultReadLimit = 10 << 20

type WebSocketDialer struct {
	logger    *slog.Logger
	url       string
	tlsConfig *tls.Config
	readLimit int64
}

// NewWebSocketDialer dials url, which should already carry the token query
// parameter (see BuildURL).
func NewWebSocketDialer(url string, tlsCfg *tls.Config, readLimit int64, logger *slog.Logger) *WebSocketDialer {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &WebSocketDialer{
		logger:    logger,
		url:       url,
		tlsConfig: tlsCfg,
		readLimit: readLimit,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	opt := &websocket.DialOptions{}
	if d.tlsConfig != nil {
		opt.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: d.tlsConfig}}
	}
	conn, _, err := websocket.Dial(ctx, d.url, opt)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", redact(d.url), err)
	}
	conn.SetReadLimit(d.readLimit)
	d.logger.Debug("websocket dialed", "url", redact(d.url))
	return &webSocketConn{conn: conn}, nil
}

type webSocketConn struct {
	conn *websocket.Conn
}

func (c *webSocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *webSocketConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *webSocketConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
