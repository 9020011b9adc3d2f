package entity

import (
	"fmt"
	"sync"

	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// maxRedirectHops bounds redirect chains. Chains longer than this indicate
// corrupted state and are reported instead of followed.
const maxRedirectHops = 32

// Manager is the per-node store of entities. Resolution first follows the
// redirect chain to a terminal id, then looks up the store, so an entity
// created under a placeholder id stays reachable through that id after the
// server assigns the authoritative one.
//
// Manager supports concurrent reads with exclusive writes.
type Manager struct {
	mu        sync.RWMutex
	store     map[identity.EntityID]Referenceable
	redirects map[identity.EntityID]identity.EntityID
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		store:     make(map[identity.EntityID]Referenceable),
		redirects: make(map[identity.EntityID]identity.EntityID),
	}
}

// Add registers an entity under its current id. Adding an id twice is an
// error; use Overwrite when replacement is intended.
func (m *Manager) Add(ref Referenceable) error {
	if ref == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Add", "entity validation")
	}
	id := ref.ID().Root()
	if id.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Add", "entity id validation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.store[id]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrEntityExists, id),
			"Manager", "Add", "duplicate id check")
	}
	m.store[id] = ref
	return nil
}

// Overwrite registers an entity under its current id, replacing any
// previous registration.
func (m *Manager) Overwrite(ref Referenceable) error {
	if ref == nil || ref.ID().Root().IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Overwrite", "entity validation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[ref.ID().Root()] = ref
	return nil
}

// Resolve follows the redirect chain from the id and returns the stored
// entity at its terminal id. Returns ErrObjectNotFound when nothing is
// stored there.
func (m *Manager) Resolve(id identity.EntityID) (Referenceable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	terminal, err := m.resolveIDLocked(id.Root())
	if err != nil {
		return nil, err
	}
	ref, ok := m.store[terminal]
	if !ok {
		return nil, errors.Wrap(
			fmt.Errorf("%w: %s", errors.ErrObjectNotFound, id),
			"Manager", "Resolve", "store lookup")
	}
	return ref, nil
}

// ResolveID returns the terminal id the given id currently points at.
func (m *Manager) ResolveID(id identity.EntityID) (identity.EntityID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveIDLocked(id.Root())
}

func (m *Manager) resolveIDLocked(id identity.EntityID) (identity.EntityID, error) {
	seen := make(map[identity.EntityID]struct{}, 4)
	current := id
	for hops := 0; hops <= maxRedirectHops; hops++ {
		next, ok := m.redirects[current]
		if !ok {
			return current, nil
		}
		if _, visited := seen[current]; visited {
			return identity.Zero, errors.WrapFatal(
				fmt.Errorf("%w: at %s", errors.ErrRedirectCycle, current),
				"Manager", "ResolveID", "redirect chain walk")
		}
		seen[current] = struct{}{}
		current = next
	}
	return identity.Zero, errors.WrapFatal(
		fmt.Errorf("%w: from %s", errors.ErrRedirectTooDeep, id),
		"Manager", "ResolveID", "redirect chain walk")
}

// Redirect records that old now resolves to new. If an entity is stored
// under old it is moved to new and its id updated, so references held by
// callers stay valid. Insertion is last-write-wins, making duplicate
// creation confirmations idempotent.
func (m *Manager) Redirect(old, new identity.EntityID) error {
	old, new = old.Root(), new.Root()
	if old.IsZero() || new.IsZero() || old == new {
		return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Redirect", "id validation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.redirects[old] = new

	if ref, ok := m.store[old]; ok {
		delete(m.store, old)
		if _, occupied := m.store[new]; !occupied {
			if err := ref.SetID(new); err != nil {
				return err
			}
			m.store[new] = ref
		}
	}
	return nil
}

// Contains reports whether an entity is stored for the id (after
// redirects).
func (m *Manager) Contains(id identity.EntityID) bool {
	_, err := m.Resolve(id)
	return err == nil
}

// Remove drops the entity stored at the id's terminal location. Redirect
// entries pointing at it stay; they simply resolve to nothing.
func (m *Manager) Remove(id identity.EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	terminal, err := m.resolveIDLocked(id.Root())
	if err != nil {
		return
	}
	delete(m.store, terminal)
}

// List returns a snapshot of all stored entities.
func (m *Manager) List() []Referenceable {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Referenceable, 0, len(m.store))
	for _, ref := range m.store {
		out = append(out, ref)
	}
	return out
}
