package core

import (
	"context"
	"encoding/json"

	"github.com/Coflnet/cloud-sub001/access"
	"github.com/Coflnet/cloud-sub001/command"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// CreationParams asks a server to materialize an entity. OldID is the
// caller's placeholder id; the server answers with the authoritative id it
// assigned.
type CreationParams struct {
	Kind  string            `json:"kind"`
	OldID identity.EntityID `json:"oldId"`
	Data  json.RawMessage   `json:"data,omitempty"`
}

// CreationResult maps the caller's placeholder id to the id the server
// assigned.
type CreationResult struct {
	OldID identity.EntityID `json:"oldId"`
	NewID identity.EntityID `json:"newId"`
}

// createCommand materializes an entity on the owning server. Duplicate
// requests for the same (sender, placeholder) pair return the id assigned
// the first time, so redelivery is idempotent.
func (c *Core) createCommand() command.Command {
	return command.NewFunc(createSlug,
		command.Settings{
			Responds:    true,
			Permissions: []command.Permission{command.IsAuthenticated},
		},
		func(_ context.Context, call *command.Call) (any, error) {
			params, ok := call.Payload.(*CreationParams)
			if !ok {
				return nil, errors.WrapInvalid(errors.ErrInvalidData, "Core", "create", "payload check")
			}

			key := creationKey{sender: call.Envelope.Sender.Root(), oldID: params.OldID}
			c.creationMu.Lock()
			defer c.creationMu.Unlock()

			if existing, done := c.created[key]; done {
				return CreationResult{OldID: params.OldID, NewID: existing}, nil
			}

			ref, err := c.kinds.Create(params.Kind)
			if err != nil {
				return nil, err
			}
			if len(params.Data) > 0 {
				if err := json.Unmarshal(params.Data, ref); err != nil {
					return nil, errors.WrapInvalid(err, "Core", "create", "entity data decoding")
				}
			}

			newID := identity.NewEntityID(c.id.ServerID, c.gen.NextResource())
			if err := ref.SetID(newID); err != nil {
				return nil, err
			}
			if base, okb := ref.(interface{ SetAccess(*access.Access) }); okb {
				base.SetAccess(access.New(call.Envelope.Sender))
			}
			c.adopt(ref)
			if err := c.entities.Add(ref); err != nil {
				return nil, err
			}

			c.created[key] = newID
			c.logger.Info("entity created", "kind", params.Kind, "id", newID, "owner", call.Envelope.Sender)
			return CreationResult{OldID: params.OldID, NewID: newID}, nil
		}).WithPayload(func() any { return &CreationParams{} })
}

// CreateEntity creates an entity of the given kind on a remote server.
//
// The entity exists immediately under a local placeholder id and is
// returned to the caller; once the server confirms, the placeholder
// redirects to the authoritative id and the optional continuation fires
// with it. The continuation is not durable: a process restart between
// request and confirmation loses it, while the redirect itself still
// arrives through the persisted request.
func (c *Core) CreateEntity(ctx context.Context, serverID uint64, kind string, data any, done func(identity.EntityID)) (identity.EntityID, error) {
	ref, err := c.kinds.Create(kind)
	if err != nil {
		return identity.Zero, err
	}

	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return identity.Zero, errors.WrapInvalid(err, "Core", "CreateEntity", "entity data encoding")
		}
		raw = encoded
		if err := json.Unmarshal(raw, ref); err != nil {
			return identity.Zero, errors.WrapInvalid(err, "Core", "CreateEntity", "entity data decoding")
		}
	}

	placeholder := identity.EntityID{ResourceID: c.gen.NextResource()}
	if err := ref.SetID(placeholder); err != nil {
		return identity.Zero, err
	}
	if base, ok := ref.(interface{ SetAccess(*access.Access) }); ok {
		base.SetAccess(access.New(c.id))
	}
	if err := c.AddEntity(ref); err != nil {
		return identity.Zero, err
	}

	params := CreationParams{Kind: kind, OldID: placeholder, Data: raw}
	_, err = c.SendCommand(ctx, identity.NewEntityID(serverID, 0), createSlug, params, func(body []byte, err error) {
		if err != nil {
			c.logger.Warn("entity creation rejected", "kind", kind, "placeholder", placeholder, "error", err)
			return
		}
		var result CreationResult
		if err := json.Unmarshal(body, &result); err != nil {
			c.logger.Warn("creation result decoding failed", "placeholder", placeholder, "error", err)
			return
		}
		if err := c.entities.Redirect(result.OldID, result.NewID); err != nil {
			c.logger.Warn("creation redirect failed", "old", result.OldID, "new", result.NewID, "error", err)
			return
		}
		if done != nil {
			done(result.NewID)
		}
	})
	if err != nil {
		return identity.Zero, err
	}
	return placeholder, nil
}
