package transit

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Coflnet/cloud-sub001/envelope"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// KVStore persists pending envelopes in a NATS JetStream KV bucket so a
// node's outbox survives restarts. Keys follow
// "<recipient>.<sender>.<messageID>" with ids in their canonical string
// form, which keeps one record per (recipient, sender, messageID) and makes
// repeated saves idempotent.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore wraps a JetStream KV bucket as a MessageStore.
func NewKVStore(bucket jetstream.KeyValue) (*KVStore, error) {
	if bucket == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "KVStore", "New", "bucket validation")
	}
	return &KVStore{bucket: bucket}, nil
}

func pendingKVKey(recipient, sender identity.EntityID, messageID int64) string {
	return fmt.Sprintf("%s.%s.%d", recipient.Root(), sender, messageID)
}

// Save implements MessageStore.
func (s *KVStore) Save(ctx context.Context, env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	key := pendingKVKey(env.Recipient, env.Sender, env.MessageID)
	if _, err := s.bucket.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "KVStore", "Save", "kv put")
	}
	return nil
}

// Load implements MessageStore.
func (s *KVStore) Load(ctx context.Context, recipient identity.EntityID) ([]*envelope.Envelope, error) {
	prefix := recipient.Root().String() + "."

	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	var out []*envelope.Envelope
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, jetstream.ErrKeyNotFound) {
				// Deleted between listing and get.
				continue
			}
			return nil, errors.WrapTransient(err, "KVStore", "Load", "kv get")
		}
		env, err := envelope.Decode(entry.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}

	sortEnvelopes(out)
	return out, nil
}

// Delete implements MessageStore.
func (s *KVStore) Delete(ctx context.Context, recipient, sender identity.EntityID, messageID int64) error {
	key := pendingKVKey(recipient, sender, messageID)
	if err := s.bucket.Purge(ctx, key); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "KVStore", "Delete", "kv purge")
	}
	return nil
}

// Recipients implements MessageStore.
func (s *KVStore) Recipients(ctx context.Context) ([]identity.EntityID, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[identity.EntityID]struct{})
	var out []identity.EntityID
	for _, key := range keys {
		parts := strings.SplitN(key, ".", 3)
		if len(parts) != 3 {
			continue
		}
		if _, err := strconv.ParseInt(parts[2], 10, 64); err != nil {
			continue
		}
		recipient, err := identity.Parse(parts[0])
		if err != nil {
			continue
		}
		if _, ok := seen[recipient]; ok {
			continue
		}
		seen[recipient] = struct{}{}
		out = append(out, recipient)
	}
	return out, nil
}

func (s *KVStore) listKeys(ctx context.Context) ([]string, error) {
	lister, err := s.bucket.ListKeys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "listKeys", "kv key listing")
	}

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}
