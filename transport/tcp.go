package transport

import (
	"context"
	"net"
	"time"

	"github.com/c360/eventbroker/errors"
)

// TCPConnector dials a remote broker or poller.
type TCPConnector struct {
	name    string
	address string
	timeout time.Duration
}

// NewTCPConnector creates a connector dialing address (host:port).
func NewTCPConnector(name, address string, timeout time.Duration) *TCPConnector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TCPConnector{name: name, address: address, timeout: timeout}
}

// Name implements Connector.
func (c *TCPConnector) Name() string { return c.name }

// Connect implements Connector.
func (c *TCPConnector) Connect(ctx context.Context) (Stream, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, errors.WrapTransient(err, "transport", "Connect", c.address)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

// TCPAcceptor listens on a local address and hands each accepted connection
// out as a Stream. The accept-side endpoint worker treats it as a connector:
// every Connect call waits for the next inbound peer.
type TCPAcceptor struct {
	name     string
	address  string
	listener net.Listener
	pending  chan acceptResult
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// NewTCPAcceptor creates an acceptor bound lazily on first Connect.
func NewTCPAcceptor(name, address string) *TCPAcceptor {
	return &TCPAcceptor{name: name, address: address}
}

// Name implements Connector.
func (a *TCPAcceptor) Name() string { return a.name }

// Connect implements Connector by accepting the next inbound connection. A
// cancelled Connect leaves the accept loop pending; the next call picks up
// the connection it produced.
func (a *TCPAcceptor) Connect(ctx context.Context) (Stream, error) {
	if a.listener == nil {
		ln, err := net.Listen("tcp", a.address)
		if err != nil {
			return nil, errors.WrapFatal(err, "transport", "Connect", "listen "+a.address)
		}
		a.listener = ln
		a.pending = make(chan acceptResult, 1)
		go func() {
			for {
				conn, err := ln.Accept()
				a.pending <- acceptResult{conn, err}
				if err != nil {
					return
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-a.pending:
		if r.err != nil {
			return nil, errors.WrapTransient(r.err, "transport", "Connect", "accept "+a.address)
		}
		return r.conn, nil
	}
}

// Close shuts the listener down.
func (a *TCPAcceptor) Close() error {
	if a.listener != nil {
		return a.listener.Close()
	}
	return nil
}
