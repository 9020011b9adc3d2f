package core

import (
	"context"
	"encoding/json"

	"github.com/Coflnet/cloud-sub001/command"
	"github.com/Coflnet/cloud-sub001/envelope"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// SendCommand sends a command to the entity identified by recipient. The
// payload is JSON-encoded unless it already is raw bytes or nil. When a
// callback is given it resolves once the response or error envelope
// arrives; it is invoked on the delivering goroutine and must not block.
//
// The returned message id identifies the request on the wire.
func (c *Core) SendCommand(ctx context.Context, recipient identity.EntityID, slug string, payload any, cb ResponseCallback) (int64, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	messageID := c.gen.Next()
	env := envelope.New(c.id, recipient, messageID, slug, data)
	env.Sign(c.signKey)

	if cb != nil {
		c.registerCallback(messageID, cb)
	}

	c.propagateLocally(ctx, env)

	if err := c.send(ctx, env); err != nil {
		if cb != nil {
			c.takeCallback(messageID)
		}
		return 0, err
	}
	return messageID, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Core", "SendCommand", "payload encoding")
		}
		return data, nil
	}
}

// send routes an envelope: entities this node manages dispatch in-process,
// everything else goes through the persist-then-deliver pipeline.
func (c *Core) send(ctx context.Context, env *envelope.Envelope) error {
	if env.Recipient.IsLocal() || env.Recipient.ServerID == c.id.ServerID {
		return c.Dispatch(ctx, env)
	}
	return c.transit.Deliver(ctx, env)
}

// propagateLocally applies a distributed command marked for local
// propagation to this node's clone of the target, so the sender sees the
// effect without waiting for the owner's fan-out.
func (c *Core) propagateLocally(ctx context.Context, env *envelope.Envelope) {
	if env.Recipient.ServerID == c.id.ServerID {
		return
	}
	cmd, ok := c.commands.Lookup(env.Type)
	if !ok {
		return
	}
	settings := cmd.Settings()
	if !settings.Distribute || !settings.LocalPropagation {
		return
	}

	ref, err := c.entities.Resolve(env.Recipient)
	if err != nil {
		return
	}

	call := &command.Call{Envelope: env, Target: ref}
	if provider, okp := cmd.(command.PayloadProvider); okp {
		if payload := provider.NewPayload(); payload != nil {
			if err := env.DecodePayload(payload); err != nil {
				return
			}
			call.Payload = payload
		}
	}
	if _, err := c.execute(ctx, cmd, call, settings, ref); err != nil {
		c.logger.Debug("local propagation failed", "slug", env.Type, "target", ref.ID(), "error", err)
	}
}
