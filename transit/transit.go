package transit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Coflnet/cloud-sub001/envelope"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
	"github.com/Coflnet/cloud-sub001/metric"
	"github.com/Coflnet/cloud-sub001/pkg/retry"
	"github.com/Coflnet/cloud-sub001/pkg/worker"
	"github.com/Coflnet/cloud-sub001/transport"
)

// ConnectionResolver returns the connection reaching the node managing the
// given id. The core provides this from its transport registry.
type ConnectionResolver func(recipient identity.EntityID) (transport.Connection, error)

// Option configures a transit controller.
type Option func(*Controller)

// WithRetryConfig overrides the per-round delivery retry configuration.
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *Controller) { c.retryCfg = cfg }
}

// WithMetrics wires the node's core metrics into the controller.
func WithMetrics(m *metric.CoreMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithReplayInterval overrides how often the background loop re-attempts
// unconfirmed envelopes.
func WithReplayInterval(interval time.Duration) Option {
	return func(c *Controller) { c.replayInterval = interval }
}

// WithWorkers sets the delivery worker pool size and queue length.
// Non-positive values keep the defaults.
func WithWorkers(workers, queue int) Option {
	return func(c *Controller) {
		if workers > 0 {
			c.workers = workers
		}
		if queue > 0 {
			c.queueSize = queue
		}
	}
}

// Controller is the persist-then-deliver pipeline. Deliver writes the
// envelope ahead of any send attempt, hands the send to a worker pool and
// leaves the record in place until Confirm removes it; a background loop
// replays unconfirmed envelopes on an interval and on reconnect.
type Controller struct {
	store   MessageStore
	resolve ConnectionResolver
	logger  *slog.Logger
	metrics *metric.CoreMetrics

	retryCfg       retry.Config
	replayInterval time.Duration
	workers        int
	queueSize      int

	pool *worker.Pool[*envelope.Envelope]

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewController creates a transit controller over the given store.
func NewController(store MessageStore, resolve ConnectionResolver, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if store == nil || resolve == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Controller", "New", "dependency validation")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		store:          store,
		resolve:        resolve,
		logger:         logger.With("component", "transit"),
		retryCfg:       retry.Delivery(),
		replayInterval: 30 * time.Second,
		workers:        4,
		queueSize:      1024,
	}
	for _, opt := range opts {
		opt(c)
	}

	pool, err := worker.NewPool(c.workers, c.queueSize, c.trySend)
	if err != nil {
		return nil, err
	}
	c.pool = pool
	return c, nil
}

// Store returns the backing message store.
func (c *Controller) Store() MessageStore {
	return c.store
}

// Start launches the delivery workers and the background replay loop.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.cancel != nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Controller", "Start", "already-started check")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.pool.Start(ctx); err != nil {
		cancel()
		c.cancel = nil
		return err
	}

	c.wg.Add(1)
	go c.replayLoop(ctx)
	return nil
}

// Stop halts the replay loop and drains the delivery workers.
func (c *Controller) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.cancel = nil
	c.wg.Wait()
	return c.pool.Stop(timeout)
}

// Deliver persists the envelope and schedules the send. A recipient that
// is currently unreachable is not an error: the envelope stays persisted
// and the replay loop re-attempts it.
func (c *Controller) Deliver(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if err := c.store.Save(ctx, env); err != nil {
		return errors.Wrap(err, "Controller", "Deliver", "write-ahead persist")
	}
	if c.metrics != nil {
		c.metrics.OutboxDepth.Inc()
	}

	if err := c.pool.Submit(env); err != nil {
		// Queue pressure is fine: the envelope is persisted and the
		// replay loop picks it up.
		c.logger.Debug("delivery deferred to replay loop",
			"recipient", env.Recipient, "messageId", env.MessageID, "reason", err)
	}
	return nil
}

// trySend attempts one delivery. Failures are transient by definition
// here: the envelope remains persisted.
//
// A successful socket write prunes the record for first-attempt sends.
// Replayed envelopes are pruned only by an explicit confirm, because a
// replay means the first write already claimed success once.
func (c *Controller) trySend(ctx context.Context, env *envelope.Envelope) error {
	conn, err := c.resolve(env.Recipient)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		if c.metrics != nil {
			c.metrics.DeliveryRetries.Inc()
		}
		return err
	}

	if _, replayed := env.Header(envelope.HeaderReplayed); !replayed {
		if err := c.store.Delete(ctx, env.Recipient, env.Sender, env.MessageID); err != nil {
			c.logger.Warn("outbox prune after send failed",
				"recipient", env.Recipient, "messageId", env.MessageID, "error", err)
		} else if c.metrics != nil {
			c.metrics.OutboxDepth.Dec()
		}
	}
	return nil
}

// Replay re-sends every unconfirmed envelope for the recipient in
// per-sender message id order, each marked replayed so the peer
// acknowledges durable application with a receiveConfirm. One bounded
// backoff round per envelope; envelopes stay persisted regardless.
func (c *Controller) Replay(ctx context.Context, recipient identity.EntityID) error {
	pending, err := c.store.Load(ctx, recipient)
	if err != nil {
		return errors.Wrap(err, "Controller", "Replay", "outbox load")
	}

	for _, env := range pending {
		env.SetHeader(envelope.HeaderReplayed, []byte{1})
		err := retry.Do(ctx, c.retryCfg, func() error {
			return c.trySend(ctx, env)
		})
		if err != nil {
			c.logger.Warn("replay round exhausted, keeping envelope persisted",
				"recipient", recipient, "sender", env.Sender, "messageId", env.MessageID, "error", err)
			// Later envelopes from the same sender would arrive out of
			// order; stop this round.
			return errors.WrapTransient(errors.ErrConnectionLost, "Controller", "Replay", "delivery round")
		}
	}
	return nil
}

// ReplayAll replays the outbox of every recipient with pending envelopes.
func (c *Controller) ReplayAll(ctx context.Context) {
	recipients, err := c.store.Recipients(ctx)
	if err != nil {
		c.logger.Warn("outbox scan failed", "error", err)
		return
	}
	for _, recipient := range recipients {
		if err := c.Replay(ctx, recipient); err != nil {
			c.logger.Debug("replay incomplete", "recipient", recipient, "error", err)
		}
	}
}

// Confirm removes the persisted record for (recipient, sender, messageID).
// Called when the recipient acknowledges durable application.
func (c *Controller) Confirm(ctx context.Context, recipient, sender identity.EntityID, messageID int64) error {
	if err := c.store.Delete(ctx, recipient, sender, messageID); err != nil {
		return errors.Wrap(err, "Controller", "Confirm", "outbox prune")
	}
	if c.metrics != nil {
		c.metrics.OutboxDepth.Dec()
	}
	return nil
}

func (c *Controller) replayLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.replayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ReplayAll(ctx)
		}
	}
}
