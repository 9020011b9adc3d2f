// Package testutil provides an in-process multi-node harness: several
// cores wired together over loopback connections, each with its own
// in-memory outbox. No network or external services required.
package testutil

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Coflnet/cloud-sub001/core"
	"github.com/Coflnet/cloud-sub001/identity"
	"github.com/Coflnet/cloud-sub001/transit"
	"github.com/Coflnet/cloud-sub001/transport"
)

// Node is one simulated cloud node.
type Node struct {
	Core  *core.Core
	Store *transit.MemoryStore
}

// NewNode creates and starts a node with a fresh signing key and an
// in-memory outbox. The node is stopped when the test ends.
func NewNode(t testing.TB, id identity.EntityID, opts ...core.Option) *Node {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := transit.NewMemoryStore()
	opts = append([]core.Option{core.WithReplayInterval(50 * time.Millisecond)}, opts...)
	c, err := core.New(id, priv, store, opts...)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(time.Second) })

	return &Node{Core: c, Store: store}
}

// Connect wires two nodes with an ordered loopback pair, exchanges their
// public keys and registers the connections under each other's server id.
func Connect(t testing.TB, a, b *Node) {
	t.Helper()

	connA, connB := transport.NewLoopbackPair(a.Core.HandleReceive, b.Core.HandleReceive)

	a.Core.Keys().Add(b.Core.ID(), b.Core.PublicKey())
	b.Core.Keys().Add(a.Core.ID(), a.Core.PublicKey())

	// connA delivers to b's handler, so a sends through it.
	a.Core.AttachNode(b.Core.ID().ServerID, connA)
	b.Core.AttachNode(a.Core.ID().ServerID, connB)
}

// Eventually polls the condition until it holds or the deadline passes.
func Eventually(t testing.TB, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}
