// Package command defines the typed, slug-addressed RPC handlers of the
// cloud and the controller that resolves and gates them. Commands are
// stateless singletons identified by a globally unique slug; the target
// entity arrives with the envelope at execution time.
package command

import (
	"context"

	"github.com/Coflnet/cloud-sub001/access"
	"github.com/Coflnet/cloud-sub001/envelope"
	"github.com/Coflnet/cloud-sub001/identity"
)

// Target is the entity a command executes against. The entity package's
// Referenceable satisfies this interface.
type Target interface {
	// ID returns the entity's current id.
	ID() identity.EntityID
	// Access returns the entity's ACL.
	Access() *access.Access
	// Controller returns the command controller handling this entity.
	Controller() *Controller
}

// Call carries everything a command needs for one execution.
type Call struct {
	// Envelope is the inbound message that triggered the call.
	Envelope *envelope.Envelope
	// Target is the resolved recipient entity.
	Target Target
	// Payload is the typed payload decoded at the dispatch boundary when
	// the command implements PayloadProvider; nil otherwise.
	Payload any
}

// Settings controls how a command is dispatched.
type Settings struct {
	// ThreadSafe marks the handler safe for concurrent execution against
	// the same target. Commands that mutate entity state leave this false
	// and are serialized per target id.
	ThreadSafe bool
	// Encrypted requires a valid signature on the envelope; dispatch
	// fails closed without one.
	Encrypted bool
	// Distribute fans the envelope out to the target's subscribers after
	// local execution on the owning node.
	Distribute bool
	// LocalPropagation also executes distributed envelopes on cloned
	// copies of the target.
	LocalPropagation bool
	// Responds marks the command as producing a response payload that is
	// sent back to the original sender tagged with the request id.
	Responds bool
	// Permissions are evaluated against (envelope, target); all must
	// pass. Use Or for alternation.
	Permissions []Permission
}

// Command is a stateless behavior object keyed by its slug. The slug is the
// wire discriminator and must stay invariant across the process lifetime.
//
// Execute returns the response body for responding commands (any value is
// JSON-encoded, []byte passes through, an AsyncResult is resolved off the
// delivery thread) or nil. Errors propagate to the dispatcher and are
// terminal for the envelope; they are never retried.
type Command interface {
	Slug() string
	Settings() Settings
	Execute(ctx context.Context, call *Call) (any, error)
}

// PayloadProvider is implemented by commands whose payload should be
// decoded once at the dispatch boundary. The returned value is filled from
// the envelope payload and passed on Call.Payload.
type PayloadProvider interface {
	NewPayload() any
}

// AsyncResult defers response production so the dispatcher does not block
// the delivery thread. The dispatcher resolves it on its own goroutine and
// sends the response on completion.
type AsyncResult func(ctx context.Context) (any, error)

// Func is a command built from a function, avoiding a struct per handler.
type Func struct {
	slug     string
	settings Settings
	payload  func() any
	handler  func(ctx context.Context, call *Call) (any, error)
}

// NewFunc creates a function-backed command.
func NewFunc(slug string, settings Settings, handler func(ctx context.Context, call *Call) (any, error)) *Func {
	return &Func{slug: slug, settings: settings, handler: handler}
}

// WithPayload registers a payload factory so the dispatcher decodes the
// envelope payload before invoking the handler.
func (f *Func) WithPayload(factory func() any) *Func {
	f.payload = factory
	return f
}

// Slug implements Command.
func (f *Func) Slug() string { return f.slug }

// Settings implements Command.
func (f *Func) Settings() Settings { return f.settings }

// Execute implements Command.
func (f *Func) Execute(ctx context.Context, call *Call) (any, error) {
	return f.handler(ctx, call)
}

// NewPayload implements PayloadProvider when a factory was registered.
func (f *Func) NewPayload() any {
	if f.payload == nil {
		return nil
	}
	return f.payload()
}
