// Package natsclient wraps the NATS connection a node uses for
// inter-node transport and, in kv storage mode, for the JetStream
// bucket backing the outbox.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Coflnet/cloud-sub001/config"
	"github.com/Coflnet/cloud-sub001/errors"
)

// Client owns a single NATS connection and its JetStream context.
type Client struct {
	cfg    config.NATSConfig
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// New builds a client from the node configuration. Connect must be
// called before any other method.
func New(cfg config.NATSConfig, logger *slog.Logger) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "New", "resolve nats urls")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger.With("component", "natsclient")}, nil
}

func (c *Client) buildOptions() []nats.Option {
	reconnectWait := c.cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("nats connection closed")
		}),
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	return opts
}

// Connect establishes the connection and initializes JetStream.
func (c *Client) Connect(_ context.Context) error {
	url := strings.Join(c.cfg.URLs, ",")
	c.logger.Info("connecting to nats", "url", url)

	conn, err := nats.Connect(url, c.buildOptions()...)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "connect to nats")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "Client", "Connect", "initialize jetstream")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()
	return nil
}

// Conn returns the raw connection for transport subscriptions.
func (c *Client) Conn() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, errors.ErrNoConnection
	}
	return c.conn, nil
}

// OutboxBucket returns the JetStream KV bucket named in the config,
// creating it when it does not exist yet. Creation can race another
// node bootstrapping the same bucket, in which case the existing
// bucket wins.
func (c *Client) OutboxBucket(ctx context.Context) (jetstream.KeyValue, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, errors.ErrNoConnection
	}

	bucket, err := js.KeyValue(ctx, c.cfg.Bucket)
	if err == nil {
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      c.cfg.Bucket,
		Description: "pending envelope outbox",
		History:     1,
	})
	if err != nil {
		if strings.Contains(err.Error(), "already in use") || strings.Contains(err.Error(), "already exists") {
			bucket, err = js.KeyValue(ctx, c.cfg.Bucket)
			if err != nil {
				return nil, errors.WrapTransient(err, "Client", "OutboxBucket",
					fmt.Sprintf("access existing bucket %s", c.cfg.Bucket))
			}
			return bucket, nil
		}
		return nil, errors.WrapTransient(err, "Client", "OutboxBucket",
			fmt.Sprintf("create bucket %s", c.cfg.Bucket))
	}

	c.logger.Info("created outbox bucket", "bucket", c.cfg.Bucket)
	return bucket, nil
}

// Close drains the connection so in-flight messages flush first.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
	}
}
