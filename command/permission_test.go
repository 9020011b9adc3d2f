package command

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Coflnet/cloud-sub001/access"
	"github.com/Coflnet/cloud-sub001/envelope"
	"github.com/Coflnet/cloud-sub001/identity"
)

// fakeTarget is a minimal Target for permission checks.
type fakeTarget struct {
	id  identity.EntityID
	acl *access.Access
}

func (f *fakeTarget) ID() identity.EntityID   { return f.id }
func (f *fakeTarget) Access() *access.Access  { return f.acl }
func (f *fakeTarget) Controller() *Controller { return nil }

func newTarget(owner identity.EntityID) *fakeTarget {
	return &fakeTarget{id: identity.NewEntityID(5, 10), acl: access.New(owner)}
}

func envFrom(sender identity.EntityID) *envelope.Envelope {
	return envelope.New(sender, identity.NewEntityID(5, 10), 1, "testCommand", nil)
}

func TestIsOwner(t *testing.T) {
	owner := identity.NewEntityID(2, 3)
	target := newTarget(owner)

	assert.True(t, IsOwner.Check(envFrom(owner), target))
	assert.False(t, IsOwner.Check(envFrom(identity.NewEntityID(2, 4)), target))
}

func TestIsSelf(t *testing.T) {
	target := newTarget(identity.NewEntityID(2, 3))

	assert.True(t, IsSelf.Check(envFrom(target.id), target))
	assert.True(t, IsSelf.Check(envFrom(target.id.WithSub(7)), target), "sub-ids address the same entity")
	assert.False(t, IsSelf.Check(envFrom(identity.NewEntityID(5, 11)), target))
}

func TestIsAuthenticated(t *testing.T) {
	target := newTarget(identity.NewEntityID(2, 3))

	assert.True(t, IsAuthenticated.Check(envFrom(identity.NewEntityID(2, 3)), target))
	assert.False(t, IsAuthenticated.Check(envFrom(identity.EntityID{ResourceID: 9}), target))
}

func TestReadWritePermissions(t *testing.T) {
	owner := identity.NewEntityID(2, 3)
	reader := identity.NewEntityID(9, 1)
	target := newTarget(owner)
	target.acl.Authorize(reader, access.ModeRead)

	assert.True(t, ReadPermission.Check(envFrom(reader), target))
	assert.False(t, WritePermission.Check(envFrom(reader), target))

	target.acl.Authorize(reader, access.ModeWrite)
	assert.True(t, WritePermission.Check(envFrom(reader), target))
}

func TestOrCombinator(t *testing.T) {
	owner := identity.NewEntityID(2, 3)
	target := newTarget(owner)

	either := Or(IsOwner, IsSelf)
	assert.Equal(t, "or(isOwner,isSelf)", either.Slug())

	assert.True(t, either.Check(envFrom(owner), target))
	assert.True(t, either.Check(envFrom(target.id), target))
	assert.False(t, either.Check(envFrom(identity.NewEntityID(9, 9)), target))
}

func TestCanChangePermissions(t *testing.T) {
	owner := identity.NewEntityID(2, 3)
	writer := identity.NewEntityID(9, 1)
	target := newTarget(owner)
	target.acl.Authorize(writer, access.ModeWrite)

	assert.True(t, CanChangePermissions.Check(envFrom(owner), target))
	assert.True(t, CanChangePermissions.Check(envFrom(writer), target))
	assert.False(t, CanChangePermissions.Check(envFrom(identity.NewEntityID(9, 2)), target))
}
