package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coflnet/cloud-sub001/errors"
)

func noop(slug string) Command {
	return NewFunc(slug, Settings{ThreadSafe: true}, func(_ context.Context, _ *Call) (any, error) {
		return nil, nil
	})
}

func TestTableRegisterRejectsDuplicates(t *testing.T) {
	table := NewTable()

	require.NoError(t, table.Register(noop("testCommand")))
	assert.Error(t, table.Register(noop("testCommand")))

	// Overwrite is the deliberate way to replace behavior.
	require.NoError(t, table.Overwrite(noop("testCommand")))

	assert.Error(t, table.Register(nil))
	assert.Error(t, table.Register(noop("")))
}

func TestControllerResolvesOwnTableFirst(t *testing.T) {
	shared := NewTable()
	require.NoError(t, shared.Register(noop("sharedCommand")))

	ctrl := NewController(shared)
	require.NoError(t, ctrl.Register(noop("ownCommand")))

	cmd, err := ctrl.Resolve("ownCommand")
	require.NoError(t, err)
	assert.Equal(t, "ownCommand", cmd.Slug())

	cmd, err = ctrl.Resolve("sharedCommand")
	require.NoError(t, err)
	assert.Equal(t, "sharedCommand", cmd.Slug())
}

func TestControllerPrimaryShadowsBackfall(t *testing.T) {
	executed := ""
	shared := NewTable()
	require.NoError(t, shared.Register(NewFunc("versioned", Settings{}, func(_ context.Context, _ *Call) (any, error) {
		executed = "v1"
		return nil, nil
	})))

	ctrl := NewController(shared)
	require.NoError(t, ctrl.Register(NewFunc("versioned", Settings{}, func(_ context.Context, _ *Call) (any, error) {
		executed = "v2"
		return nil, nil
	})))

	cmd, err := ctrl.Resolve("versioned")
	require.NoError(t, err)
	_, err = cmd.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", executed)
}

func TestControllerUnknownSlug(t *testing.T) {
	ctrl := NewController()

	_, err := ctrl.Resolve("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCommandUnknown)
}

func TestBackfallChainOrder(t *testing.T) {
	first := NewTable()
	second := NewTable()
	require.NoError(t, first.Register(noop("onlyFirst")))
	require.NoError(t, second.Register(noop("onlySecond")))
	require.NoError(t, first.Register(noop("inBoth")))
	require.NoError(t, second.Register(NewFunc("inBoth", Settings{Encrypted: true}, func(_ context.Context, _ *Call) (any, error) {
		return nil, nil
	})))

	ctrl := NewController(first, second)

	cmd, err := ctrl.Resolve("inBoth")
	require.NoError(t, err)
	assert.False(t, cmd.Settings().Encrypted, "earlier table must win")

	_, err = ctrl.Resolve("onlySecond")
	assert.NoError(t, err)
}

func TestFuncPayloadProvider(t *testing.T) {
	type params struct {
		Value int `json:"value"`
	}

	cmd := NewFunc("withPayload", Settings{}, func(_ context.Context, _ *Call) (any, error) {
		return nil, nil
	}).WithPayload(func() any { return &params{} })

	payload := cmd.NewPayload()
	require.IsType(t, &params{}, payload)

	bare := NewFunc("bare", Settings{}, func(_ context.Context, _ *Call) (any, error) { return nil, nil })
	assert.Nil(t, bare.NewPayload())
}
