// Package transit implements guaranteed delivery: every outbound envelope
// is persisted before the send is attempted, replayed while unconfirmed and
// removed only when the recipient acknowledges durable application.
package transit

import (
	"context"
	"sort"
	"sync"

	"github.com/Coflnet/cloud-sub001/envelope"
	"github.com/Coflnet/cloud-sub001/identity"
)

// MessageStore is the persistence boundary of the transit layer. Records
// are keyed by (recipient, sender, messageID), which makes repeated saves
// of the same envelope idempotent. The backing store (files, NATS KV, a
// database) is external to the substrate.
type MessageStore interface {
	// Save persists the envelope under its (recipient, sender,
	// messageID) key. Saving the same envelope again overwrites the
	// same record.
	Save(ctx context.Context, env *envelope.Envelope) error

	// Load returns all persisted envelopes for the recipient, ordered by
	// sender and ascending message id, so replay preserves per-sender
	// causal order.
	Load(ctx context.Context, recipient identity.EntityID) ([]*envelope.Envelope, error)

	// Delete removes the record matching (recipient, sender, messageID).
	// Deleting a missing record is not an error.
	Delete(ctx context.Context, recipient, sender identity.EntityID, messageID int64) error

	// Recipients lists ids that currently have persisted envelopes.
	Recipients(ctx context.Context) ([]identity.EntityID, error)
}

type pendingKey struct {
	sender    identity.EntityID
	messageID int64
}

// MemoryStore keeps pending envelopes in process memory. Suitable for
// tests and for client nodes that accept losing their outbox on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	pending map[identity.EntityID]map[pendingKey]*envelope.Envelope
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[identity.EntityID]map[pendingKey]*envelope.Envelope)}
}

// Save implements MessageStore.
func (s *MemoryStore) Save(_ context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recipient := env.Recipient.Root()
	byKey, ok := s.pending[recipient]
	if !ok {
		byKey = make(map[pendingKey]*envelope.Envelope)
		s.pending[recipient] = byKey
	}
	byKey[pendingKey{sender: env.Sender, messageID: env.MessageID}] = env
	return nil
}

// Load implements MessageStore.
func (s *MemoryStore) Load(_ context.Context, recipient identity.EntityID) ([]*envelope.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := s.pending[recipient.Root()]
	out := make([]*envelope.Envelope, 0, len(byKey))
	for _, env := range byKey {
		out = append(out, env)
	}
	sortEnvelopes(out)
	return out, nil
}

// Delete implements MessageStore.
func (s *MemoryStore) Delete(_ context.Context, recipient, sender identity.EntityID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recipient = recipient.Root()
	byKey, ok := s.pending[recipient]
	if !ok {
		return nil
	}
	delete(byKey, pendingKey{sender: sender, messageID: messageID})
	if len(byKey) == 0 {
		delete(s.pending, recipient)
	}
	return nil
}

// Recipients implements MessageStore.
func (s *MemoryStore) Recipients(_ context.Context) ([]identity.EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]identity.EntityID, 0, len(s.pending))
	for recipient := range s.pending {
		out = append(out, recipient)
	}
	return out, nil
}

// sortEnvelopes orders by sender first, then ascending message id. The id
// generator is monotonic per sender, so this reproduces each sender's send
// order; cross-sender order is not meaningful and only needs to be stable.
func sortEnvelopes(envs []*envelope.Envelope) {
	sort.Slice(envs, func(i, j int) bool {
		a, b := envs[i], envs[j]
		if a.Sender != b.Sender {
			return a.Sender.String() < b.Sender.String()
		}
		return a.MessageID < b.MessageID
	})
}
