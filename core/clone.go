package core

import (
	"context"
	"encoding/json"

	"github.com/Coflnet/cloud-sub001/command"
	"github.com/Coflnet/cloud-sub001/entity"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// subscribeCommand records the sender as a subscriber of the target and
// answers with a full snapshot. Subscribing requires read access; once
// subscribed, the subscriber set itself grants read.
func (c *Core) subscribeCommand() command.Command {
	return command.NewFunc(subscribeSlug,
		command.Settings{
			Responds:    true,
			Permissions: []command.Permission{command.ReadPermission},
		},
		func(_ context.Context, call *command.Call) (any, error) {
			ref, ok := call.Target.(entity.Referenceable)
			if !ok {
				return nil, errors.WrapInvalid(errors.ErrInvalidData, "Core", "subscribe", "target check")
			}
			call.Target.Access().Subscribe(call.Envelope.Sender)
			return entity.TakeSnapshot(ref)
		})
}

// unsubscribeCommand removes the sender from the target's subscriber set.
// An already-delivered snapshot is not retracted.
func (c *Core) unsubscribeCommand() command.Command {
	return command.NewFunc(unsubscribeSlug,
		command.Settings{
			Permissions: []command.Permission{command.IsAuthenticated},
		},
		func(_ context.Context, call *command.Call) (any, error) {
			call.Target.Access().Unsubscribe(call.Envelope.Sender)
			return nil, nil
		})
}

// CloneAndSubscribe clones a remote entity onto this node and keeps the
// clone live: the owning node fans every distributed mutation out to
// subscribers. Envelopes arriving for the entity before the snapshot lands
// are buffered and applied afterwards, in arrival order.
//
// The callback fires with the live clone once the snapshot is applied. If
// this node already holds a replica under the id, the snapshot fills it in
// place so existing references stay valid.
func (c *Core) CloneAndSubscribe(ctx context.Context, id identity.EntityID, done func(entity.Referenceable)) error {
	target := id.Root()

	c.pendingMu.Lock()
	p, ok := c.pending[target]
	if !ok {
		p = &pendingClone{}
		c.pending[target] = p
	}
	if done != nil {
		p.callbacks = append(p.callbacks, done)
	}
	c.pendingMu.Unlock()

	_, err := c.SendCommand(ctx, target, subscribeSlug, nil, func(body []byte, err error) {
		if err != nil {
			c.logger.Warn("subscription rejected", "target", target, "error", err)
			c.dropPending(target)
			return
		}
		var snap entity.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			c.logger.Warn("snapshot decoding failed", "target", target, "error", err)
			c.dropPending(target)
			return
		}
		c.applySnapshot(&snap)
	})
	return err
}

// Unsubscribe stops the owning node's fan-out for the entity. The local
// clone stays but no longer receives updates.
func (c *Core) Unsubscribe(ctx context.Context, id identity.EntityID) error {
	_, err := c.SendCommand(ctx, id.Root(), unsubscribeSlug, nil, nil)
	return err
}

// applySnapshot materializes or refreshes the local clone and drains
// everything buffered while the snapshot was in flight.
func (c *Core) applySnapshot(snap *entity.Snapshot) {
	var ref entity.Referenceable
	if existing, err := c.entities.Resolve(snap.ID); err == nil {
		if err := snap.Apply(existing); err != nil {
			c.logger.Warn("snapshot application failed", "target", snap.ID, "error", err)
			c.dropPending(snap.ID.Root())
			return
		}
		ref = existing
	} else {
		created, err := c.kinds.Materialize(snap)
		if err != nil {
			c.logger.Warn("snapshot materialization failed", "target", snap.ID, "kind", snap.Kind, "error", err)
			c.dropPending(snap.ID.Root())
			return
		}
		c.adopt(created)
		if err := c.entities.Overwrite(created); err != nil {
			c.logger.Warn("clone registration failed", "target", snap.ID, "error", err)
			c.dropPending(snap.ID.Root())
			return
		}
		ref = created
	}

	c.pendingMu.Lock()
	p := c.pending[snap.ID.Root()]
	delete(c.pending, snap.ID.Root())
	c.pendingMu.Unlock()
	if p == nil {
		return
	}

	for _, env := range p.buffered {
		if err := c.Dispatch(context.Background(), env); err != nil {
			c.logger.Debug("buffered dispatch failed", "slug", env.Type, "error", err)
		}
	}
	for _, cb := range p.callbacks {
		cb(ref)
	}
}

func (c *Core) dropPending(target identity.EntityID) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, target)
}
