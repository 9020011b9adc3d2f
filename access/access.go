// Package access implements the per-entity access control list. Every
// entity carries an Access value; every command dispatch consults it
// through IsAllowed before the command executes.
package access

import (
	"encoding/json"
	"sync"

	"github.com/Coflnet/cloud-sub001/identity"
)

// Mode is the access level a requester asks for or is granted.
type Mode int

const (
	// ModeNone revokes any previous grant.
	ModeNone Mode = iota
	// ModeRead allows reading the entity's state.
	ModeRead
	// ModeWrite allows mutating the entity. Write implies read.
	ModeWrite
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// allows reports whether a granted mode satisfies a requested mode.
func (m Mode) allows(requested Mode) bool {
	return m >= requested
}

// GeneralLevel is the default access applied when neither owner nor an
// override matches the requester.
type GeneralLevel int

const (
	// GeneralNone grants nothing beyond owner and overrides.
	GeneralNone GeneralLevel = iota
	// GeneralRead grants read to ids on the owner's server.
	GeneralRead
	// GeneralWrite grants read and write to ids on the owner's server.
	GeneralWrite
	// GeneralAllRead grants read to every authenticated id.
	GeneralAllRead
	// GeneralAllReadWrite grants read and write to every authenticated id.
	GeneralAllReadWrite
)

// String returns the string representation of the level.
func (g GeneralLevel) String() string {
	switch g {
	case GeneralNone:
		return "none"
	case GeneralRead:
		return "read"
	case GeneralWrite:
		return "write"
	case GeneralAllRead:
		return "all_read"
	case GeneralAllReadWrite:
		return "all_read_and_write"
	default:
		return "unknown"
	}
}

// Access is the ACL attached to one entity. The owner is always allowed;
// explicit overrides beat the general level; subscribing implies read.
//
// Access is safe for concurrent use. Mutation happens only through
// Authorize, Subscribe and Unsubscribe, which the built-in commands gate
// behind a permission check.
type Access struct {
	mu          sync.RWMutex
	owner       identity.EntityID
	general     GeneralLevel
	overrides   map[identity.EntityID]Mode
	subscribers map[identity.EntityID]struct{}
}

// New creates an ACL owned by the given id with no general access.
func New(owner identity.EntityID) *Access {
	return &Access{
		owner:       owner,
		overrides:   make(map[identity.EntityID]Mode),
		subscribers: make(map[identity.EntityID]struct{}),
	}
}

// Owner returns the owning id.
func (a *Access) Owner() identity.EntityID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// SetOwner transfers ownership. Used by servers when materializing an
// entity created on behalf of a client.
func (a *Access) SetOwner(owner identity.EntityID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owner = owner
}

// General returns the general access level.
func (a *Access) General() GeneralLevel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.general
}

// SetGeneral sets the general access level.
func (a *Access) SetGeneral(level GeneralLevel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.general = level
}

// Authorize grants the given mode to the id. An id with ResourceID 0 is a
// server-wide grant covering every entity of that server. ModeNone removes
// the entry.
func (a *Access) Authorize(id identity.EntityID, mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if mode == ModeNone {
		delete(a.overrides, id)
		return
	}
	a.overrides[id] = mode
}

// Subscribe registers the id for update fan-out. Subscribers implicitly
// hold at least read access.
func (a *Access) Subscribe(id identity.EntityID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers[id] = struct{}{}
}

// Unsubscribe removes the id from the fan-out set.
func (a *Access) Unsubscribe(id identity.EntityID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribers, id)
}

// Subscribers returns a snapshot of the subscribed ids.
func (a *Access) Subscribers() []identity.EntityID {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]identity.EntityID, 0, len(a.subscribers))
	for id := range a.subscribers {
		out = append(out, id)
	}
	return out
}

// IsSubscribed reports whether the id is in the fan-out set.
func (a *Access) IsSubscribed(id identity.EntityID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.subscribers[id]
	return ok
}

// IsAllowed reports whether the requester holds the requested mode. Pure
// lookup, no side effects:
//
//  1. the owner is always allowed
//  2. an exact override for the requester wins
//  3. a server-wide override for the requester's server wins
//  4. subscribers hold read
//  5. otherwise the general level decides
func (a *Access) IsAllowed(requester identity.EntityID, requested Mode) bool {
	if requested == ModeNone {
		return true
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if requester == a.owner {
		return true
	}
	if mode, ok := a.overrides[requester.Root()]; ok {
		return mode.allows(requested)
	}
	if mode, ok := a.overrides[requester.Server()]; ok {
		return mode.allows(requested)
	}
	if _, ok := a.subscribers[requester.Root()]; ok && requested == ModeRead {
		return true
	}

	switch a.general {
	case GeneralAllReadWrite:
		return true
	case GeneralAllRead:
		return requested == ModeRead
	case GeneralWrite:
		return requester.ServerID == a.owner.ServerID
	case GeneralRead:
		return requested == ModeRead && requester.ServerID == a.owner.ServerID
	default:
		return false
	}
}

// wireFormat is the JSON shape used when an ACL travels inside an entity
// snapshot.
type wireFormat struct {
	Owner       identity.EntityID   `json:"owner"`
	General     GeneralLevel        `json:"general"`
	Overrides   map[string]Mode     `json:"overrides,omitempty"`
	Subscribers []identity.EntityID `json:"subscribers,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a *Access) MarshalJSON() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	wire := wireFormat{
		Owner:   a.owner,
		General: a.general,
	}
	if len(a.overrides) > 0 {
		wire.Overrides = make(map[string]Mode, len(a.overrides))
		for id, mode := range a.overrides {
			wire.Overrides[id.String()] = mode
		}
	}
	for id := range a.subscribers {
		wire.Subscribers = append(wire.Subscribers, id)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Access) UnmarshalJSON(data []byte) error {
	var wire wireFormat
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.owner = wire.Owner
	a.general = wire.General
	a.overrides = make(map[identity.EntityID]Mode, len(wire.Overrides))
	for key, mode := range wire.Overrides {
		id, err := identity.Parse(key)
		if err != nil {
			return err
		}
		a.overrides[id] = mode
	}
	a.subscribers = make(map[identity.EntityID]struct{}, len(wire.Subscribers))
	for _, id := range wire.Subscribers {
		a.subscribers[id] = struct{}{}
	}
	return nil
}
