package envelope

import (
	"crypto/ed25519"
	"sync"

	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// Sign signs the envelope's signable content with the sender's key,
// replacing any previous signature.
func (e *Envelope) Sign(key ed25519.PrivateKey) {
	e.Signature = ed25519.Sign(key, e.SignableContent())
}

// Verify reports whether the signature matches the signable content under
// the given public key.
func (e *Envelope) Verify(key ed25519.PublicKey) bool {
	if len(e.Signature) == 0 || len(key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(key, e.SignableContent(), e.Signature)
}

// KeyRing maps entity ids to the public keys trusted for their envelopes.
// Keys are registered per server entity; a resource's envelopes verify
// against its server's key when no exact entry exists.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[identity.EntityID]ed25519.PublicKey
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[identity.EntityID]ed25519.PublicKey)}
}

// Add registers a public key for the id.
func (k *KeyRing) Add(id identity.EntityID, key ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = key
}

// Remove deletes the key registered for the id.
func (k *KeyRing) Remove(id identity.EntityID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, id)
}

// Lookup returns the key trusted for the id: an exact entry first, then the
// id's server entry.
func (k *KeyRing) Lookup(id identity.EntityID) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if key, ok := k.keys[id.Root()]; ok {
		return key, true
	}
	key, ok := k.keys[id.Server()]
	return key, ok
}

// VerifyEnvelope verifies the envelope against the key trusted for its
// sender. Fails closed when no key is known.
func (k *KeyRing) VerifyEnvelope(e *Envelope) error {
	key, ok := k.Lookup(e.Sender)
	if !ok {
		return errors.WrapFatal(errors.ErrSignatureInvalid, "KeyRing", "VerifyEnvelope", "sender key lookup")
	}
	if !e.Verify(key) {
		return errors.WrapFatal(errors.ErrSignatureInvalid, "KeyRing", "VerifyEnvelope", "signature check")
	}
	return nil
}
