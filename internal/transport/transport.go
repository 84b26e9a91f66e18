// Package transport carries opaque envelope bytes over one long-lived
// bidirectional connection. The channel package owns the lifecycle; a
// transport only dials, reads, writes and closes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const ConnectPath = "/ws/connect"

var ErrConnClosed = errors.New("transport: connection closed")

// Conn is one live connection. Read is called from a single goroutine;
// Write is serialized by the caller.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// BuildURL turns a server base URL into the channel endpoint
// <scheme>://<host>/ws/connect[?token=...]. http(s) schemes are mapped to
// ws(s). An explicit non-root path is kept as-is.
func BuildURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = ConnectPath
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// redact hides the token query parameter in logs and errors.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
