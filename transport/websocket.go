package transport

import (
	"context"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/eventbroker/errors"
)

// WSConnector dials a broker peer speaking BBDO over websocket binary
// messages. Useful when the only path between two sites is an HTTP reverse
// proxy.
type WSConnector struct {
	name string
	url  string
}

// NewWSConnector creates a connector for url (ws:// or wss://).
func NewWSConnector(name, url string) *WSConnector {
	return &WSConnector{name: name, url: url}
}

// Name implements Connector.
func (c *WSConnector) Name() string { return c.name }

// Connect implements Connector.
func (c *WSConnector) Connect(ctx context.Context) (Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "transport", "Connect", c.url)
	}
	return NewWSStream(conn), nil
}

// WSStream adapts a websocket connection to the Stream interface. Each Write
// becomes one binary message; Reads drain messages sequentially.
type WSStream struct {
	conn   *websocket.Conn
	reader io.Reader
}

// NewWSStream wraps an established websocket connection.
func NewWSStream(conn *websocket.Conn) *WSStream {
	return &WSStream{conn: conn}
}

// Read implements Stream.
func (s *WSStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			msgType, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write implements Stream.
func (s *WSStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetReadDeadline implements Stream.
func (s *WSStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close implements Stream.
func (s *WSStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
