package entity

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Coflnet/cloud-sub001/access"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// Factory creates an empty entity of one kind, ready to be filled from
// creation parameters or a snapshot.
type Factory func() Referenceable

// Registry maps kind discriminators to entity factories. Nodes consult it
// when materializing entities for creation requests and subscription
// snapshots.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty kind registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "Register", "registration validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("entity kind %q is already registered", kind),
			"Registry", "Register", "duplicate kind check")
	}
	r.factories[kind] = factory
	return nil
}

// Create returns a fresh entity of the kind.
func (r *Registry) Create(kind string) (Referenceable, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unregistered entity kind %q", kind),
			"Registry", "Create", "kind lookup")
	}
	return factory(), nil
}

// Snapshot is the serialized state of one entity, complete enough to
// materialize a live clone on another node.
type Snapshot struct {
	Kind   string            `json:"kind"`
	ID     identity.EntityID `json:"id"`
	Access *access.Access    `json:"access"`
	Data   json.RawMessage   `json:"data"`
}

// TakeSnapshot serializes the entity's kind, id, ACL and fields.
func TakeSnapshot(ref Referenceable) (*Snapshot, error) {
	data, err := json.Marshal(ref)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Snapshot", "TakeSnapshot", "entity encoding")
	}
	return &Snapshot{
		Kind:   ref.Kind(),
		ID:     ref.ID(),
		Access: ref.Access(),
		Data:   data,
	}, nil
}

// Apply fills an existing entity in place from the snapshot, preserving
// object identity so references held before the snapshot arrived stay
// valid. The entity must be of the snapshot's kind.
func (s *Snapshot) Apply(ref Referenceable) error {
	if ref.Kind() != s.Kind {
		return errors.WrapInvalid(
			fmt.Errorf("snapshot kind %q does not match entity kind %q", s.Kind, ref.Kind()),
			"Snapshot", "Apply", "kind check")
	}
	if err := json.Unmarshal(s.Data, ref); err != nil {
		return errors.WrapInvalid(err, "Snapshot", "Apply", "entity decoding")
	}
	if s.Access != nil {
		if base, ok := ref.(interface{ SetAccess(*access.Access) }); ok {
			base.SetAccess(s.Access)
		}
	}
	return ref.SetID(s.ID)
}

// Materialize creates a new entity of the snapshot's kind and fills it.
func (r *Registry) Materialize(s *Snapshot) (Referenceable, error) {
	ref, err := r.Create(s.Kind)
	if err != nil {
		return nil, err
	}
	if err := s.Apply(ref); err != nil {
		return nil, err
	}
	return ref, nil
}
