package transport

import (
	"context"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/eventbroker/errors"
)

// NATSConnector produces one-way sink streams publishing each written frame
// to a NATS subject. Downstream consumers (dashboards, alerting bridges)
// subscribe to the subject instead of speaking BBDO point-to-point.
type NATSConnector struct {
	name    string
	url     string
	subject string
}

// NewNATSConnector creates a connector for the given server url and subject.
func NewNATSConnector(name, url, subject string) *NATSConnector {
	return &NATSConnector{name: name, url: url, subject: subject}
}

// Name implements Connector.
func (c *NATSConnector) Name() string { return c.name }

// Connect implements Connector.
func (c *NATSConnector) Connect(ctx context.Context) (Stream, error) {
	nc, err := nats.Connect(c.url,
		nats.Name(c.name),
		nats.RetryOnFailedConnect(false),
		nats.Timeout(10*time.Second))
	if err != nil {
		return nil, errors.WrapTransient(err, "transport", "Connect", c.url)
	}
	_ = ctx
	return &natsStream{nc: nc, subject: c.subject}, nil
}

// natsStream is write-only: each frame written becomes one NATS message.
// Reads park until the deadline so the endpoint worker's input loop stays
// idle without spinning.
type natsStream struct {
	nc       *nats.Conn
	subject  string
	deadline time.Time
}

func (s *natsStream) Write(p []byte) (int, error) {
	if err := s.nc.Publish(s.subject, p); err != nil {
		return 0, errors.WrapTransient(err, "transport", "Write", s.subject)
	}
	return len(p), nil
}

func (s *natsStream) Read(p []byte) (int, error) {
	wait := time.Until(s.deadline)
	if s.deadline.IsZero() {
		wait = time.Second
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	return 0, os.ErrDeadlineExceeded
}

func (s *natsStream) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

func (s *natsStream) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
