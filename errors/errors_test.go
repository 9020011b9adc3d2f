package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"permission denied is invalid", ErrPermissionDenied, ErrorInvalid},
		{"object not found is invalid", ErrObjectNotFound, ErrorInvalid},
		{"login failed is invalid", ErrLoginFailed, ErrorInvalid},
		{"signature invalid is fatal", ErrSignatureInvalid, ErrorFatal},
		{"command unknown is transient", ErrCommandUnknown, ErrorTransient},
		{"no connection is transient", ErrNoConnection, ErrorTransient},
		{"unknown errors default to transient", fmt.Errorf("boom"), ErrorTransient},
		{"wrapped sentinel keeps class", fmt.Errorf("dispatch: %w", ErrPermissionDenied), ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapConvention(t *testing.T) {
	err := Wrap(ErrObjectNotFound, "Core", "Dispatch", "target resolution")
	assert.EqualError(t, err, "Core.Dispatch: target resolution failed: object not found")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.NoError(t, Wrap(nil, "Core", "Dispatch", "noop"))
}

func TestWrapClassified(t *testing.T) {
	err := WrapInvalid(fmt.Errorf("bad payload"), "Controller", "Execute", "payload decode")
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, ErrorInvalid, Classify(err))

	var ce *ClassifiedError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, "Controller", ce.Component)
	assert.Equal(t, "Execute", ce.Operation)

	assert.True(t, IsTransient(WrapTransient(fmt.Errorf("socket closed"), "Transit", "Deliver", "send")))
	assert.True(t, IsFatal(WrapFatal(fmt.Errorf("truncated key"), "Envelope", "Verify", "signature check")))
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
