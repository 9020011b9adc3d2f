package auth

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

func newPair(t *testing.T) (*Issuer, *Verifier) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	issuer, err := NewIssuer(priv)
	require.NoError(t, err)
	verifier, err := NewVerifier(pub)
	require.NoError(t, err)
	return issuer, verifier
}

func TestIssueAndValidate(t *testing.T) {
	issuer, verifier := newPair(t)
	id := identity.NewEntityID(2, 3)

	token, err := issuer.Issue(id)
	require.NoError(t, err)

	got, err := verifier.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestValidateRejectsStaleToken(t *testing.T) {
	issuer, verifier := newPair(t)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := issuer.Issue(identity.NewEntityID(2, 3))
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLoginFailed)
}

func TestValidateRejectsWrongKey(t *testing.T) {
	issuer, _ := newPair(t)
	_, verifier := newPair(t)

	token, err := issuer.Issue(identity.NewEntityID(2, 3))
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLoginFailed)
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, verifier := newPair(t)

	for _, token := range []string{"", "   ", "not.a.token"} {
		_, err := verifier.Validate(token)
		assert.ErrorIs(t, err, errors.ErrLoginFailed, "token %q", token)
	}
}

func TestNewRejectsBadKeySizes(t *testing.T) {
	_, err := NewIssuer(nil)
	assert.Error(t, err)
	_, err = NewVerifier(ed25519.PublicKey{1, 2, 3})
	assert.Error(t, err)
}
