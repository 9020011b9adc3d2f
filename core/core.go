// Package core orchestrates one cloud node: it owns the entity store, the
// command tables, the signing keys and the transit pipeline, and wires
// inbound bytes from the transport boundary into permission-checked command
// dispatch. A process may host several Cores, each simulating one node.
package core

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/Coflnet/cloud-sub001/auth"
	"github.com/Coflnet/cloud-sub001/command"
	"github.com/Coflnet/cloud-sub001/entity"
	"github.com/Coflnet/cloud-sub001/envelope"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
	"github.com/Coflnet/cloud-sub001/metric"
	"github.com/Coflnet/cloud-sub001/transit"
	"github.com/Coflnet/cloud-sub001/transport"
)

// ResponseCallback receives the answer to a command sent with SendCommand.
// It is invoked on whatever goroutine delivers the inbound response and
// must not block.
type ResponseCallback func(payload []byte, err error)

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the node's base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) { c.logger = logger }
}

// WithMetrics wires node metrics into dispatch and transit.
func WithMetrics(m *metric.CoreMetrics) Option {
	return func(c *Core) { c.metrics = m }
}

// WithAuth enables the login handshake: the issuer mints this node's own
// tokens, the verifier validates tokens presented by peers.
func WithAuth(issuer *auth.Issuer, verifier *auth.Verifier) Option {
	return func(c *Core) {
		c.issuer = issuer
		c.verifier = verifier
	}
}

// WithReplayInterval overrides the transit background replay interval.
func WithReplayInterval(interval time.Duration) Option {
	return func(c *Core) { c.replayInterval = interval }
}

// WithTransitWorkers sizes the transit delivery pool. Zero values keep
// the transit defaults.
func WithTransitWorkers(workers, queue int) Option {
	return func(c *Core) {
		c.transitWorkers = workers
		c.transitQueue = queue
	}
}

// pendingClone buffers work arriving for an entity that is still being
// cloned: envelopes referencing it before the snapshot lands, and the
// callbacks to invoke once the clone is live.
type pendingClone struct {
	buffered  []*envelope.Envelope
	callbacks []func(entity.Referenceable)
}

type creationKey struct {
	sender identity.EntityID
	oldID  identity.EntityID
}

type appliedKey struct {
	sender    identity.EntityID
	messageID int64
}

// Core is one node of the cloud. A node whose id has ResourceID 0 is a
// server: it materializes entities, assigns authoritative ids and rejects
// envelopes for unknown recipients. Any other id makes the node a client,
// which queues such envelopes until a clone arrives.
type Core struct {
	id     identity.EntityID
	server bool
	logger *slog.Logger

	gen      *identity.Generator
	entities *entity.Manager
	kinds    *entity.Registry
	commands *command.Table

	signKey  ed25519.PrivateKey
	keys     *envelope.KeyRing
	issuer   *auth.Issuer
	verifier *auth.Verifier

	transit    *transit.Controller
	transports *transport.Registry
	metrics    *metric.CoreMetrics

	replayInterval time.Duration
	transitWorkers int
	transitQueue   int

	callbackMu sync.Mutex
	callbacks  map[int64]ResponseCallback

	lockMu sync.Mutex
	locks  map[identity.EntityID]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[identity.EntityID]*pendingClone

	creationMu sync.Mutex
	created    map[creationKey]identity.EntityID

	appliedMu sync.Mutex
	applied   map[appliedKey]time.Time

	sessionMu sync.Mutex
	sessions  map[identity.EntityID]time.Time
}

// nodeEntity represents the node itself in its own entity store, so
// envelopes addressed to the node id resolve like any other dispatch.
type nodeEntity struct {
	entity.Base
}

func (n *nodeEntity) Kind() string { return "node" }

// New creates a node with the given identity and signing key, persisting
// its outbox in the given store.
func New(id identity.EntityID, signKey ed25519.PrivateKey, store transit.MessageStore, opts ...Option) (*Core, error) {
	if id.IsZero() {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Core", "New", "node id validation")
	}
	if len(signKey) != ed25519.PrivateKeySize {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Core", "New", "signing key validation")
	}

	c := &Core{
		id:             id,
		server:         id.IsServer(),
		logger:         slog.Default(),
		gen:            identity.NewGenerator(),
		entities:       entity.NewManager(),
		kinds:          entity.NewRegistry(),
		commands:       command.NewTable(),
		signKey:        signKey,
		keys:           envelope.NewKeyRing(),
		transports:     transport.NewRegistry(),
		replayInterval: 30 * time.Second,
		callbacks:      make(map[int64]ResponseCallback),
		locks:          make(map[identity.EntityID]*sync.Mutex),
		pending:        make(map[identity.EntityID]*pendingClone),
		created:        make(map[creationKey]identity.EntityID),
		applied:        make(map[appliedKey]time.Time),
		sessions:       make(map[identity.EntityID]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "core", "node", id.String())

	transitOpts := []transit.Option{
		transit.WithMetrics(c.metrics),
		transit.WithReplayInterval(c.replayInterval),
	}
	if c.transitWorkers > 0 || c.transitQueue > 0 {
		transitOpts = append(transitOpts, transit.WithWorkers(c.transitWorkers, c.transitQueue))
	}
	tc, err := transit.NewController(store, c.resolveConnection, c.logger, transitOpts...)
	if err != nil {
		return nil, err
	}
	c.transit = tc

	if err := c.registerBuiltins(); err != nil {
		return nil, err
	}
	if err := c.kinds.Register("node", func() entity.Referenceable { return &nodeEntity{} }); err != nil {
		return nil, err
	}

	self := &nodeEntity{Base: entity.NewBase(id, id)}
	c.adopt(self)
	if err := c.entities.Add(self); err != nil {
		return nil, err
	}
	if !c.server {
		// Peers address a node by its server id; on a client that id
		// resolves to the node entity itself.
		if err := c.entities.Redirect(id.Server(), id); err != nil {
			return nil, err
		}
	}

	// A freshly connected peer gets its queued messages replayed.
	c.transports.OnConnect(func(serverID uint64) {
		go c.requestReplay(serverID)
	})

	return c, nil
}

// ID returns the node's identity.
func (c *Core) ID() identity.EntityID { return c.id }

// Entities returns the node's entity store.
func (c *Core) Entities() *entity.Manager { return c.entities }

// Kinds returns the node's entity kind registry.
func (c *Core) Kinds() *entity.Registry { return c.kinds }

// Keys returns the node's trusted key ring.
func (c *Core) Keys() *envelope.KeyRing { return c.keys }

// PublicKey returns the node's envelope verification key.
func (c *Core) PublicKey() ed25519.PublicKey {
	return c.signKey.Public().(ed25519.PublicKey)
}

// RegisterCommand adds a command to the node's default table, the backfall
// of every entity controller on this node.
func (c *Core) RegisterCommand(cmd command.Command) error {
	return c.commands.Register(cmd)
}

// OverwriteCommand replaces a command in the node's default table. Used to
// patch behavior in tests and dev harnesses.
func (c *Core) OverwriteCommand(cmd command.Command) error {
	return c.commands.Overwrite(cmd)
}

// Use lets an extension module register its commands on the default table.
func (c *Core) Use(registrar command.Registrar) error {
	return registrar.RegisterCommands(c.commands)
}

// Start launches the transit pipeline.
func (c *Core) Start(ctx context.Context) error {
	return c.transit.Start(ctx)
}

// Stop drains transit and closes every node connection.
func (c *Core) Stop(timeout time.Duration) error {
	err := c.transit.Stop(timeout)
	c.transports.Close()
	return err
}

// AttachNode registers the connection reaching a sibling node. Queued
// envelopes routed to that node are replayed by the background loop.
func (c *Core) AttachNode(serverID uint64, conn transport.Connection) {
	c.transports.Set(serverID, conn)
}

// DetachNode drops the connection to a sibling node.
func (c *Core) DetachNode(serverID uint64) {
	c.transports.Remove(serverID)
}

func (c *Core) resolveConnection(recipient identity.EntityID) (transport.Connection, error) {
	return c.transports.Get(recipient.ServerID)
}

// adopt gives an entity a controller chained to the node's default table
// when it does not carry one of its own.
func (c *Core) adopt(ref entity.Referenceable) {
	if ref.Controller() == nil {
		if base, ok := ref.(interface{ SetController(*command.Controller) }); ok {
			base.SetController(command.NewController(c.commands))
		}
	}
}

// AddEntity registers an entity in the node's store, wiring its controller
// to the node's default table when it has none.
func (c *Core) AddEntity(ref entity.Referenceable) error {
	c.adopt(ref)
	return c.entities.Add(ref)
}

// lockFor returns the mutex serializing non-thread-safe commands against
// one entity. Locks are never released back; entity counts are bounded by
// the store.
func (c *Core) lockFor(id identity.EntityID) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	mu, ok := c.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[id] = mu
	}
	return mu
}

const appliedRetention = 10 * time.Minute

// alreadyApplied reports whether this exact message was executed before.
// Delivery can duplicate a message when a socket write claims success the
// sender never learns about, or when a replay round races the background
// loop; execution must stay idempotent.
func (c *Core) alreadyApplied(sender identity.EntityID, messageID int64) bool {
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	_, ok := c.applied[appliedKey{sender: sender, messageID: messageID}]
	return ok
}

func (c *Core) markApplied(sender identity.EntityID, messageID int64) {
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()

	now := time.Now()
	c.applied[appliedKey{sender: sender, messageID: messageID}] = now

	if len(c.applied) > 4096 {
		cutoff := now.Add(-appliedRetention)
		for key, appliedAt := range c.applied {
			if appliedAt.Before(cutoff) {
				delete(c.applied, key)
			}
		}
	}
}

func (c *Core) registerCallback(messageID int64, cb ResponseCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.callbacks[messageID] = cb
}

// takeCallback removes and returns the callback registered for a request
// id. The second return is false when no callback is pending, which is not
// an error: the caller may have restarted since sending.
func (c *Core) takeCallback(messageID int64) (ResponseCallback, bool) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	cb, ok := c.callbacks[messageID]
	if ok {
		delete(c.callbacks, messageID)
	}
	return cb, ok
}

// requestReplay asks a freshly connected node for this node's queued
// messages and replays our own queue for it.
func (c *Core) requestReplay(serverID uint64) {
	ctx := context.Background()
	peer := identity.NewEntityID(serverID, 0)

	if _, err := c.SendCommand(ctx, peer, getMessagesSlug, nil, nil); err != nil {
		c.logger.Warn("replay request failed", "peer", peer, "error", err)
	}
	c.replayFor(ctx, serverID)
}

// replayFor replays the persisted outbox of every recipient managed by the
// given node.
func (c *Core) replayFor(ctx context.Context, serverID uint64) {
	recipients, err := c.transit.Store().Recipients(ctx)
	if err != nil {
		c.logger.Warn("outbox scan failed", "error", err)
		return
	}
	for _, recipient := range recipients {
		if recipient.ServerID != serverID {
			continue
		}
		if err := c.transit.Replay(ctx, recipient); err != nil {
			c.logger.Debug("replay incomplete", "recipient", recipient, "error", err)
		}
	}
}
