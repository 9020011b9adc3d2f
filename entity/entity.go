// Package entity defines the addressable, access-controlled objects of the
// cloud and the per-node manager that stores them, virtualizes their ids
// and follows redirects from placeholder to server-assigned ids.
package entity

import (
	"sync"

	"github.com/Coflnet/cloud-sub001/access"
	"github.com/Coflnet/cloud-sub001/command"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// Referenceable is any addressable object in the cloud. Concrete entities
// embed Base and add their own fields; the fields must JSON-marshal so the
// entity can travel inside snapshots.
type Referenceable interface {
	command.Target

	// Kind returns the stable type discriminator used to materialize the
	// entity on other nodes.
	Kind() string

	// SetID assigns the entity's id. Only a placeholder id (ServerID 0)
	// may be replaced; a server-assigned id is immutable.
	SetID(id identity.EntityID) error
}

// Base provides id, ACL and controller handling for concrete entities.
// Embed it and implement Kind.
type Base struct {
	mu         sync.RWMutex
	id         identity.EntityID
	acl        *access.Access
	controller *command.Controller
}

// NewBase creates entity plumbing with the given id, owned by owner.
func NewBase(id, owner identity.EntityID) Base {
	return Base{id: id, acl: access.New(owner)}
}

// ID implements command.Target.
func (b *Base) ID() identity.EntityID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

// SetID implements Referenceable. Replacing a server-assigned id is an
// error; only placeholders are mutable.
func (b *Base) SetID(id identity.EntityID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.id.IsLocal() && b.id != id {
		return errors.WrapInvalid(errors.ErrImmutableID, "Base", "SetID", "id mutability check")
	}
	b.id = id
	return nil
}

// Access implements command.Target.
func (b *Base) Access() *access.Access {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.acl
}

// SetAccess replaces the entity's ACL. Used when materializing an entity
// from a snapshot.
func (b *Base) SetAccess(acl *access.Access) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acl = acl
}

// Controller implements command.Target. Entities without their own
// controller are dispatched through the node's default controller.
func (b *Base) Controller() *command.Controller {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.controller
}

// SetController wires the entity's command controller chain.
func (b *Base) SetController(ctrl *command.Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.controller = ctrl
}
