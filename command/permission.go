package command

import (
	"github.com/Coflnet/cloud-sub001/access"
	"github.com/Coflnet/cloud-sub001/envelope"
)

// Permission is a composable predicate evaluated against an inbound
// envelope and its target before a command executes. A command's settings
// carry a list of permissions that must all pass; Or is the explicit escape
// hatch for alternation. Permissions are identified by a slug for logging
// and equality.
type Permission interface {
	Slug() string
	Check(env *envelope.Envelope, target Target) bool
}

type permissionFunc struct {
	slug  string
	check func(env *envelope.Envelope, target Target) bool
}

func (p permissionFunc) Slug() string { return p.slug }

func (p permissionFunc) Check(env *envelope.Envelope, target Target) bool {
	return p.check(env, target)
}

// IsOwner passes when the envelope sender owns the target.
var IsOwner Permission = permissionFunc{
	slug: "isOwner",
	check: func(env *envelope.Envelope, target Target) bool {
		return env.Sender == target.Access().Owner()
	},
}

// IsSelf passes when the sender addresses itself.
var IsSelf Permission = permissionFunc{
	slug: "isSelf",
	check: func(env *envelope.Envelope, target Target) bool {
		return env.Sender.Root() == target.ID().Root()
	},
}

// IsAuthenticated passes when the sender carries a server-assigned id.
var IsAuthenticated Permission = permissionFunc{
	slug: "isAuthenticated",
	check: func(env *envelope.Envelope, _ Target) bool {
		return !env.Sender.IsLocal()
	},
}

// ReadPermission passes when the target's ACL grants the sender read.
var ReadPermission Permission = permissionFunc{
	slug: "readPermission",
	check: func(env *envelope.Envelope, target Target) bool {
		return target.Access().IsAllowed(env.Sender, access.ModeRead)
	},
}

// WritePermission passes when the target's ACL grants the sender write.
var WritePermission Permission = permissionFunc{
	slug: "writePermission",
	check: func(env *envelope.Envelope, target Target) bool {
		return target.Access().IsAllowed(env.Sender, access.ModeWrite)
	},
}

// CanChangePermissions gates ACL mutation: the owner or a writer may change
// grants on the target.
var CanChangePermissions Permission = Or(IsOwner, WritePermission)

type orPermission struct {
	a, b Permission
}

func (p orPermission) Slug() string {
	return "or(" + p.a.Slug() + "," + p.b.Slug() + ")"
}

func (p orPermission) Check(env *envelope.Envelope, target Target) bool {
	return p.a.Check(env, target) || p.b.Check(env, target)
}

// Or passes when either permission passes.
func Or(a, b Permission) Permission {
	return orPermission{a: a, b: b}
}
