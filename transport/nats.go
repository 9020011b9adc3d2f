package transport

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Coflnet/cloud-sub001/errors"
)

// subjectPrefix is the NATS subject space nodes listen on. Each node owns
// "cloud.node.<serverID>".
const subjectPrefix = "cloud.node"

// NodeSubject returns the subject a node receives envelopes on.
func NodeSubject(serverID uint64) string {
	return fmt.Sprintf("%s.%d", subjectPrefix, serverID)
}

// NATSTransport adapts a NATS connection to the transport boundary. Every
// node subscribes to its own subject; sending to a peer publishes to the
// peer's subject.
type NATSTransport struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSTransport subscribes the node to its subject and forwards inbound
// messages to the handler. NATS carries no per-peer connection, so the
// handler receives a nil reply connection and the core answers through the
// registry.
func NewNATSTransport(conn *nats.Conn, serverID uint64, handler Handler, logger *slog.Logger) (*NATSTransport, error) {
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "NATSTransport", "New", "connection validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-transport")

	sub, err := conn.Subscribe(NodeSubject(serverID), func(msg *nats.Msg) {
		handler(msg.Data, nil)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSTransport", "New", "subject subscription")
	}

	logger.Info("listening", "subject", NodeSubject(serverID))
	return &NATSTransport{conn: conn, sub: sub, logger: logger}, nil
}

// Connect returns a connection publishing to the peer's subject. NATS
// handles reachability, so the connection is always constructible; sends
// fail when the NATS connection itself is down.
func (t *NATSTransport) Connect(serverID uint64) Connection {
	return &natsConn{conn: t.conn, subject: NodeSubject(serverID)}
}

// Close drains the node's subscription.
func (t *NATSTransport) Close() error {
	if t.sub == nil {
		return nil
	}
	if err := t.sub.Drain(); err != nil {
		return errors.WrapTransient(err, "NATSTransport", "Close", "subscription drain")
	}
	return nil
}

type natsConn struct {
	conn    *nats.Conn
	subject string
}

func (c *natsConn) Send(data []byte) error {
	if err := c.conn.Publish(c.subject, data); err != nil {
		return errors.WrapTransient(err, "natsConn", "Send", "publish")
	}
	return nil
}

func (c *natsConn) Close() error {
	// The underlying NATS connection is shared; nothing to release.
	return nil
}
