// Package identity defines the composite entity identifier used to address
// every piece of state in the cloud, plus the monotonic id generator that
// produces message ids and client-local resource ids.
//
// An EntityID is a {ServerID, ResourceID} tuple. ServerID 0 means the id has
// not been assigned by any server yet: it is a client-local placeholder that
// will later be redirected to a server-authoritative id.
package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityID addresses an entity within the cloud. The ServerID names the
// authoritative node, the ResourceID the entity on that node. The optional
// SubID routes into entity-internal collections and is 0 when unused.
//
// EntityID is comparable and safe to use as a map key.
type EntityID struct {
	ServerID   uint64 `json:"serverId"`
	ResourceID uint64 `json:"resourceId"`
	SubID      uint64 `json:"subId,omitempty"`
}

// NewEntityID creates an id for a resource managed by the given server.
func NewEntityID(serverID, resourceID uint64) EntityID {
	return EntityID{ServerID: serverID, ResourceID: resourceID}
}

// Zero is the empty id. It is not a valid address.
var Zero = EntityID{}

// IsZero reports whether the id is completely empty.
func (id EntityID) IsZero() bool {
	return id == Zero
}

// IsLocal reports whether the id is a client-local placeholder that has not
// been assigned by a server yet.
func (id EntityID) IsLocal() bool {
	return id.ServerID == 0
}

// Server returns the id of the server managing this entity. A server is
// itself an entity whose ResourceID is 0.
func (id EntityID) Server() EntityID {
	return EntityID{ServerID: id.ServerID}
}

// IsServer reports whether the id addresses a server entity.
func (id EntityID) IsServer() bool {
	return id.ServerID != 0 && id.ResourceID == 0 && id.SubID == 0
}

// WithSub returns a copy of the id routed to the given sub-resource.
func (id EntityID) WithSub(subID uint64) EntityID {
	id.SubID = subID
	return id
}

// Root returns the id without its sub-resource component.
func (id EntityID) Root() EntityID {
	id.SubID = 0
	return id
}

// String renders the id in the canonical "server-resource[-sub]" form used
// in log output and persistence keys.
func (id EntityID) String() string {
	if id.SubID != 0 {
		return fmt.Sprintf("%d-%d-%d", id.ServerID, id.ResourceID, id.SubID)
	}
	return fmt.Sprintf("%d-%d", id.ServerID, id.ResourceID)
}

// Parse parses the canonical "server-resource[-sub]" form produced by String.
func Parse(s string) (EntityID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 && len(parts) != 3 {
		return Zero, fmt.Errorf("identity: invalid id %q", s)
	}
	var id EntityID
	var err error
	if id.ServerID, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return Zero, fmt.Errorf("identity: invalid server id in %q: %w", s, err)
	}
	if id.ResourceID, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return Zero, fmt.Errorf("identity: invalid resource id in %q: %w", s, err)
	}
	if len(parts) == 3 {
		if id.SubID, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
			return Zero, fmt.Errorf("identity: invalid sub id in %q: %w", s, err)
		}
	}
	return id, nil
}
