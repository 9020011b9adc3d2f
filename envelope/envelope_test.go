package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coflnet/cloud-sub001/identity"
)

var (
	alice = identity.NewEntityID(2, 3)
	bob   = identity.NewEntityID(5, 0)
)

func testEnvelope() *Envelope {
	return New(alice, bob, 1001, "testCommand", []byte(`{"value":42}`))
}

func TestWireKeys(t *testing.T) {
	data, err := testEnvelope().Encode()
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))

	for _, key := range []string{"s", "r", "i", "t", "m"} {
		assert.Contains(t, wire, key)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := testEnvelope()
	env.SetHeader(HeaderReplayed, []byte{1})

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing slug", func(e *Envelope) { e.Type = "" }},
		{"missing recipient", func(e *Envelope) { e.Recipient = identity.Zero }},
		{"missing message id", func(e *Envelope) { e.MessageID = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnvelope()
			tt.mutate(env)
			assert.Error(t, env.Validate())
		})
	}

	assert.NoError(t, testEnvelope().Validate())
}

func TestSignableContentCoversAllFields(t *testing.T) {
	base := testEnvelope()

	mutations := []func(*Envelope){
		func(e *Envelope) { e.Payload = []byte(`{"value":43}`) },
		func(e *Envelope) { e.Type = "otherCommand" },
		func(e *Envelope) { e.Sender = identity.NewEntityID(2, 4) },
		func(e *Envelope) { e.Recipient = identity.NewEntityID(5, 1) },
		func(e *Envelope) { e.MessageID = 1002 },
		func(e *Envelope) { e.SetHeader(HeaderToken, []byte("token")) },
		func(e *Envelope) { e.SetHeader(HeaderTarget, []byte(`{"serverId":2}`)) },
	}

	for i, mutate := range mutations {
		env := testEnvelope()
		mutate(env)
		assert.NotEqual(t, base.SignableContent(), env.SignableContent(), "mutation %d", i)
	}
}

func TestSignableContentHeaderOrderIndependent(t *testing.T) {
	a := testEnvelope()
	a.SetHeader(HeaderToken, []byte("x"))
	a.SetHeader(HeaderTarget, []byte("y"))

	b := testEnvelope()
	b.SetHeader(HeaderTarget, []byte("y"))
	b.SetHeader(HeaderToken, []byte("x"))

	assert.Equal(t, a.SignableContent(), b.SignableContent())
}

func TestReplayedMarkerOutsideSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := testEnvelope()
	env.Sign(priv)

	// The replay loop marks an envelope after its sender signed it; the
	// marker must not break the signature.
	env.SetHeader(HeaderReplayed, []byte{1})
	assert.True(t, env.Verify(pub))

	ring := NewKeyRing()
	ring.Add(alice.Server(), pub)
	require.NoError(t, ring.VerifyEnvelope(env))
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := testEnvelope()
	env.Sign(priv)

	assert.True(t, env.Verify(pub))

	// Any tamper invalidates the signature.
	env.Payload = []byte(`{"value":43}`)
	assert.False(t, env.Verify(pub))
}

func TestVerifyFailsClosed(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := testEnvelope()
	assert.False(t, env.Verify(pub), "unsigned envelope must not verify")
	assert.False(t, env.Verify(nil))
}

func TestKeyRingLookupFallsBackToServer(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ring := NewKeyRing()
	ring.Add(alice.Server(), pub)

	env := testEnvelope()
	env.Sign(priv)

	require.NoError(t, ring.VerifyEnvelope(env))

	key, ok := ring.Lookup(alice)
	require.True(t, ok)
	assert.Equal(t, pub, key)
}

func TestKeyRingRejectsUnknownSender(t *testing.T) {
	ring := NewKeyRing()
	err := ring.VerifyEnvelope(testEnvelope())
	assert.Error(t, err)
}

func TestResponsePayloadRoundTrip(t *testing.T) {
	payload := EncodeResponsePayload(1001, []byte("result"))

	id, body, err := DecodeResponsePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), id)
	assert.Equal(t, []byte("result"), body)

	_, _, err = DecodeResponsePayload([]byte("shrt"))
	assert.Error(t, err)
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	payload, err := EncodeErrorPayload(77, ErrorBody{Class: "invalid", Slug: "testCommand", Message: "permission denied"})
	require.NoError(t, err)

	id, body, err := DecodeErrorPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	assert.Equal(t, "invalid", body.Class)
	assert.Equal(t, "permission denied", body.Message)
}
