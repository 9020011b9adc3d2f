package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Coflnet/cloud-sub001/command"
	"github.com/Coflnet/cloud-sub001/entity"
	"github.com/Coflnet/cloud-sub001/envelope"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
	"github.com/Coflnet/cloud-sub001/transport"
)

// HandleReceive is the transport boundary: raw bytes in, dispatch out. It
// satisfies transport.Handler so a Core can be wired directly behind any
// transport adapter.
func (c *Core) HandleReceive(data []byte, _ transport.Connection) {
	env, err := envelope.Decode(data)
	if err != nil {
		c.logger.Warn("undecodable envelope dropped", "error", err)
		return
	}
	if err := c.Dispatch(context.Background(), env); err != nil {
		c.logger.Debug("dispatch failed", "slug", env.Type, "sender", env.Sender, "error", err)
	}
}

// Dispatch resolves the envelope's target entity and command, evaluates
// permissions and executes the command. Invalid and fatal errors are
// terminal for the envelope; transient ones leave it to the sender's
// retry loop.
func (c *Core) Dispatch(ctx context.Context, env *envelope.Envelope) error {
	start := time.Now()
	err := c.dispatch(ctx, env)
	if c.metrics != nil {
		c.metrics.DispatchDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
	}
	if err != nil && errors.Classify(err) != errors.ErrorTransient {
		// Invalid and fatal failures are final for this envelope. Confirm
		// a replayed one so the sender prunes it instead of re-sending a
		// command that will be re-denied every round. Transient failures
		// (including unknown slugs) stay queued.
		if _, replayed := env.Header(envelope.HeaderReplayed); replayed {
			c.confirmApplied(ctx, env)
		}
	}
	return err
}

func (c *Core) dispatch(ctx context.Context, env *envelope.Envelope) error {
	targetID, fannedOut, err := c.targetOf(env)
	if err != nil {
		c.count(env.Type, "error")
		return err
	}

	if c.alreadyApplied(env.Sender, env.MessageID) {
		// Duplicate delivery; re-confirm so the sender stops replaying.
		if _, replayed := env.Header(envelope.HeaderReplayed); replayed {
			c.confirmApplied(ctx, env)
		}
		return nil
	}

	ref, err := c.entities.Resolve(targetID)
	if err != nil {
		if c.server {
			c.count(env.Type, "not_found")
			c.sendError(ctx, env, err)
			return err
		}
		// A client may simply not have cloned the target yet; queue the
		// envelope until a snapshot lands.
		c.bufferPending(targetID, env)
		return nil
	}

	cmd, err := ref.Controller().Resolve(env.Type)
	if err != nil {
		// Unknown slugs stay in the sender's outbox: a newer peer may
		// register the command later.
		c.count(env.Type, "unknown")
		c.logger.Warn("unknown command queued for retry", "slug", env.Type, "sender", env.Sender)
		return err
	}

	settings := cmd.Settings()

	if settings.Encrypted {
		if err := c.keys.VerifyEnvelope(env); err != nil {
			c.count(env.Type, "error")
			c.logger.Warn("signature rejected", "slug", env.Type, "sender", env.Sender)
			return err
		}
	}

	// A fanned-out envelope was already gated by the owning node before
	// distribution; re-evaluating against the clone's ACL would reject the
	// owner's own fan-out.
	if !fannedOut {
		if err := c.checkPermissions(env, ref, settings); err != nil {
			c.count(env.Type, "denied")
			c.sendError(ctx, env, err)
			return err
		}
	}

	call := &command.Call{Envelope: env, Target: ref}
	if provider, ok := cmd.(command.PayloadProvider); ok {
		if payload := provider.NewPayload(); payload != nil {
			if err := env.DecodePayload(payload); err != nil {
				c.count(env.Type, "error")
				c.sendError(ctx, env, err)
				return err
			}
			call.Payload = payload
		}
	}

	result, execErr := c.execute(ctx, cmd, call, settings, ref)
	if execErr != nil {
		c.count(env.Type, "error")
		c.sendError(ctx, env, execErr)
		return execErr
	}

	if settings.Responds {
		if async, ok := result.(command.AsyncResult); ok {
			// Resolve off the delivery goroutine.
			go func() {
				body, err := async(context.Background())
				if err != nil {
					c.sendError(context.Background(), env, err)
					return
				}
				c.sendResponse(context.Background(), env, body)
			}()
		} else {
			c.sendResponse(ctx, env, result)
		}
	}

	if settings.Distribute {
		c.distribute(ctx, env, ref, settings)
	}

	c.markApplied(env.Sender, env.MessageID)

	if _, replayed := env.Header(envelope.HeaderReplayed); replayed {
		c.confirmApplied(ctx, env)
	}

	c.count(env.Type, "ok")
	return nil
}

// targetOf returns the entity the envelope applies to: the recipient, or
// the id carried in the fan-out header when the recipient is a subscriber.
func (c *Core) targetOf(env *envelope.Envelope) (identity.EntityID, bool, error) {
	raw, ok := env.Header(envelope.HeaderTarget)
	if !ok {
		return env.Recipient, false, nil
	}
	var id identity.EntityID
	if err := json.Unmarshal(raw, &id); err != nil {
		return identity.Zero, false, errors.WrapInvalid(err, "Core", "Dispatch", "target header decoding")
	}
	return id, true, nil
}

func (c *Core) checkPermissions(env *envelope.Envelope, ref entity.Referenceable, settings command.Settings) error {
	for _, perm := range settings.Permissions {
		if !perm.Check(env, ref) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s requires %s", errors.ErrPermissionDenied, env.Type, perm.Slug()),
				"Core", "Dispatch", "permission evaluation")
		}
	}
	return nil
}

// execute runs the command, serialized per target entity unless the
// command declares itself thread safe.
func (c *Core) execute(ctx context.Context, cmd command.Command, call *command.Call, settings command.Settings, ref entity.Referenceable) (any, error) {
	if settings.ThreadSafe {
		return cmd.Execute(ctx, call)
	}
	mu := c.lockFor(ref.ID().Root())
	mu.Lock()
	defer mu.Unlock()
	return cmd.Execute(ctx, call)
}

// sendResponse answers a request envelope. The body is JSON-encoded unless
// it already is raw bytes.
func (c *Core) sendResponse(ctx context.Context, request *envelope.Envelope, body any) {
	var data []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			c.logger.Warn("response body encoding failed", "slug", request.Type, "error", err)
			c.sendError(ctx, request, errors.WrapInvalid(err, "Core", "sendResponse", "body encoding"))
			return
		}
		data = encoded
	}

	payload := envelope.EncodeResponsePayload(request.MessageID, data)
	resp := envelope.New(c.id, request.Sender, c.gen.Next(), envelope.ResponseSlug, payload)
	if err := c.send(ctx, resp); err != nil {
		c.logger.Warn("response delivery failed", "recipient", request.Sender, "error", err)
	}
}

// sendError reports a failed dispatch back to the sender so it can resolve
// its pending callback. The response channel itself is never answered to
// avoid error loops.
func (c *Core) sendError(ctx context.Context, request *envelope.Envelope, dispatchErr error) {
	if request.Type == envelope.ResponseSlug || request.Type == envelope.ErrorSlug {
		return
	}
	if request.Sender.IsZero() {
		return
	}

	payload, err := envelope.EncodeErrorPayload(request.MessageID, envelope.ErrorBody{
		Class:   errors.Classify(dispatchErr).String(),
		Slug:    request.Type,
		Message: dispatchErr.Error(),
	})
	if err != nil {
		c.logger.Warn("error body encoding failed", "error", err)
		return
	}

	env := envelope.New(c.id, request.Sender, c.gen.Next(), envelope.ErrorSlug, payload)
	if err := c.send(ctx, env); err != nil {
		c.logger.Debug("error report delivery failed", "recipient", request.Sender, "error", err)
	}
}

// distribute fans a command out to the target's subscribers. Only the
// owning node fans out; subscribers on this node share the entity instance
// and need no copy. The original sender is skipped when it already applied
// the command locally.
func (c *Core) distribute(ctx context.Context, request *envelope.Envelope, ref entity.Referenceable, settings command.Settings) {
	if ref.ID().ServerID != c.id.ServerID {
		return
	}

	targetHeader, err := json.Marshal(ref.ID())
	if err != nil {
		c.logger.Warn("fan-out target encoding failed", "entity", ref.ID(), "error", err)
		return
	}

	for _, subscriber := range ref.Access().Subscribers() {
		if subscriber.ServerID == c.id.ServerID {
			continue
		}
		if settings.LocalPropagation && subscriber == request.Sender {
			continue
		}

		out := envelope.New(c.id, subscriber, c.gen.Next(), request.Type, request.Payload)
		out.SetHeader(envelope.HeaderTarget, targetHeader)
		out.Sign(c.signKey)
		if err := c.transit.Deliver(ctx, out); err != nil {
			c.logger.Warn("fan-out delivery failed", "subscriber", subscriber, "error", err)
		}
	}
}

// confirmApplied acknowledges a replayed envelope so the sender prunes its
// outbox. Confirms are best-effort direct sends, never persisted: a lost
// confirm just leaves the original queued for one more replay round.
func (c *Core) confirmApplied(_ context.Context, applied *envelope.Envelope) {
	body, err := json.Marshal(confirmBody{
		Recipient: applied.Recipient,
		Sender:    applied.Sender,
		MessageID: applied.MessageID,
	})
	if err != nil {
		c.logger.Warn("confirm encoding failed", "error", err)
		return
	}

	env := envelope.New(c.id, applied.Sender.Server(), c.gen.Next(), receiveConfirmSlug, body)
	env.Sign(c.signKey)
	data, err := env.Encode()
	if err != nil {
		c.logger.Warn("confirm encoding failed", "error", err)
		return
	}

	conn, err := c.transports.Get(applied.Sender.ServerID)
	if err != nil {
		c.logger.Debug("no connection for receive confirm", "sender", applied.Sender)
		return
	}
	if err := conn.Send(data); err != nil {
		c.logger.Debug("receive confirm send failed", "sender", applied.Sender, "error", err)
	}
}

// bufferPending queues an envelope for an entity that is not locally known
// yet. CloneAndSubscribe drains the queue once the snapshot arrives.
func (c *Core) bufferPending(targetID identity.EntityID, env *envelope.Envelope) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	p, ok := c.pending[targetID.Root()]
	if !ok {
		p = &pendingClone{}
		c.pending[targetID.Root()] = p
	}
	p.buffered = append(p.buffered, env)
	c.logger.Debug("envelope queued awaiting clone", "target", targetID, "slug", env.Type)
}

func (c *Core) count(slug, outcome string) {
	if c.metrics != nil {
		c.metrics.Dispatched.WithLabelValues(slug, outcome).Inc()
	}
}
