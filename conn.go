package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// Conn is one established bidirectional socket. Read is only called from
// a single goroutine; Write, Ping and Close may be called concurrently.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens authenticated sockets. Implementations return a
// *ConnectError of kind ErrAuthRejected when the server refuses the token.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// Close codes the server uses to reject a token after the upgrade.
const (
	closeAuthRequired  websocket.StatusCode = 4001
	closeAuthForbidden websocket.StatusCode = 4003
)

const maxFrameBytes = 1 << 20

// WSDialer dials WebSocket connections with nhooyr.io/websocket.
type WSDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

// Dial opens a socket with the token as a bearer Authorization header.
func (d *WSDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, connectErr(ErrAuthRejected, fmt.Errorf("upgrade: http %d", resp.StatusCode))
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusPolicyViolation, closeAuthRequired, closeAuthForbidden:
			return nil, connectErr(ErrAuthRejected, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(reason string) error {
	err := c.conn.Close(websocket.StatusNormalClosure, reason)
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
