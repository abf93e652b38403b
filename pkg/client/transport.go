package client

import (
	"context"

	"nhooyr.io/websocket"
)

// Transport is one message-framed bidirectional connection. The
// concrete implementation is a WebSocket; tests substitute fakes.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Transport to the given URL.
type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}

// defaultDialer dials a real WebSocket with the given inbound read
// limit.
func defaultDialer(readLimit int64) Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(readLimit)
		return &wsTransport{conn: conn}, nil
	}
}
