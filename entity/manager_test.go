package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// testResource is the concrete entity used across manager and snapshot
// tests.
type testResource struct {
	Base
	Value int `json:"value"`
}

const testResourceKind = "testResource"

func (r *testResource) Kind() string { return testResourceKind }

func newTestResource(id identity.EntityID, value int) *testResource {
	return &testResource{
		Base:  NewBase(id, id),
		Value: value,
	}
}

func TestAddAndResolve(t *testing.T) {
	mgr := NewManager()
	id := identity.NewEntityID(5, 1)
	res := newTestResource(id, 42)

	require.NoError(t, mgr.Add(res))

	got, err := mgr.Resolve(id)
	require.NoError(t, err)
	assert.Same(t, Referenceable(res), got)

	// Sub-ids resolve to the root entity.
	got, err = mgr.Resolve(id.WithSub(3))
	require.NoError(t, err)
	assert.Same(t, Referenceable(res), got)
}

func TestAddRejectsDuplicates(t *testing.T) {
	mgr := NewManager()
	id := identity.NewEntityID(5, 1)

	require.NoError(t, mgr.Add(newTestResource(id, 1)))

	err := mgr.Add(newTestResource(id, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEntityExists)

	// Overwrite is the explicit force path.
	replacement := newTestResource(id, 2)
	require.NoError(t, mgr.Overwrite(replacement))

	got, err := mgr.Resolve(id)
	require.NoError(t, err)
	assert.Same(t, Referenceable(replacement), got)
}

func TestResolveUnknownID(t *testing.T) {
	mgr := NewManager()

	_, err := mgr.Resolve(identity.NewEntityID(1, 99))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrObjectNotFound)
}

func TestRedirectPreservesReferenceEquality(t *testing.T) {
	mgr := NewManager()

	placeholder := identity.EntityID{ResourceID: 1234}
	res := newTestResource(placeholder, 42)
	require.NoError(t, mgr.Add(res))

	assigned := identity.NewEntityID(5, 77)
	require.NoError(t, mgr.Redirect(placeholder, assigned))

	byOld, err := mgr.Resolve(placeholder)
	require.NoError(t, err)
	byNew, err := mgr.Resolve(assigned)
	require.NoError(t, err)

	assert.Same(t, byOld, byNew)
	assert.Equal(t, assigned, byOld.ID(), "entity id follows the redirect")
}

func TestRedirectIsLastWriteWins(t *testing.T) {
	mgr := NewManager()
	old := identity.EntityID{ResourceID: 1}
	first := identity.NewEntityID(5, 1)
	second := identity.NewEntityID(5, 2)

	require.NoError(t, mgr.Redirect(old, first))
	require.NoError(t, mgr.Redirect(old, first)) // duplicate confirmation
	require.NoError(t, mgr.Redirect(old, second))

	terminal, err := mgr.ResolveID(old)
	require.NoError(t, err)
	assert.Equal(t, second, terminal)
}

func TestRedirectChainsAreFollowed(t *testing.T) {
	mgr := NewManager()
	a := identity.EntityID{ResourceID: 1}
	b := identity.NewEntityID(5, 2)
	c := identity.NewEntityID(5, 3)

	require.NoError(t, mgr.Redirect(a, b))
	require.NoError(t, mgr.Redirect(b, c))
	require.NoError(t, mgr.Add(newTestResource(c, 7)))

	got, err := mgr.Resolve(a)
	require.NoError(t, err)
	assert.Equal(t, c, got.ID())
}

func TestRedirectCycleDetected(t *testing.T) {
	mgr := NewManager()
	a := identity.NewEntityID(5, 1)
	b := identity.NewEntityID(5, 2)

	require.NoError(t, mgr.Redirect(a, b))
	require.NoError(t, mgr.Redirect(b, a))

	_, err := mgr.ResolveID(a)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRedirectCycle)
}

func TestRedirectValidation(t *testing.T) {
	mgr := NewManager()
	id := identity.NewEntityID(5, 1)

	assert.Error(t, mgr.Redirect(identity.Zero, id))
	assert.Error(t, mgr.Redirect(id, identity.Zero))
	assert.Error(t, mgr.Redirect(id, id))
}

func TestAssignedIDIsImmutable(t *testing.T) {
	res := newTestResource(identity.NewEntityID(5, 1), 0)

	err := res.SetID(identity.NewEntityID(5, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrImmutableID)

	// Setting the identical id is a no-op, not a violation.
	assert.NoError(t, res.SetID(identity.NewEntityID(5, 1)))
}

func TestRemove(t *testing.T) {
	mgr := NewManager()
	id := identity.NewEntityID(5, 1)
	require.NoError(t, mgr.Add(newTestResource(id, 1)))

	mgr.Remove(id)
	assert.False(t, mgr.Contains(id))
}

func TestSnapshotRoundTrip(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testResourceKind, func() Referenceable {
		return &testResource{Base: NewBase(identity.Zero, identity.Zero)}
	}))

	id := identity.NewEntityID(5, 9)
	original := newTestResource(id, 42)
	original.Access().Subscribe(identity.NewEntityID(2, 3))

	snap, err := TakeSnapshot(original)
	require.NoError(t, err)

	// Snapshots travel as JSON inside subscription responses.
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	clone, err := registry.Materialize(&decoded)
	require.NoError(t, err)

	assert.Equal(t, id, clone.ID())
	assert.Equal(t, 42, clone.(*testResource).Value)
	assert.True(t, clone.Access().IsSubscribed(identity.NewEntityID(2, 3)))
}

func TestSnapshotApplyPreservesIdentity(t *testing.T) {
	placeholder := &testResource{Base: NewBase(identity.NewEntityID(5, 9), identity.Zero)}

	snap, err := TakeSnapshot(newTestResource(identity.NewEntityID(5, 9), 43))
	require.NoError(t, err)

	require.NoError(t, snap.Apply(placeholder))
	assert.Equal(t, 43, placeholder.Value)
}

func TestSnapshotApplyKindMismatch(t *testing.T) {
	snap := &Snapshot{Kind: "somethingElse", Data: []byte("{}")}
	err := snap.Apply(newTestResource(identity.NewEntityID(5, 1), 0))
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicateKinds(t *testing.T) {
	registry := NewRegistry()
	factory := func() Referenceable { return &testResource{} }

	require.NoError(t, registry.Register(testResourceKind, factory))
	assert.Error(t, registry.Register(testResourceKind, factory))

	_, err := registry.Create("unknown")
	assert.Error(t, err)
}
