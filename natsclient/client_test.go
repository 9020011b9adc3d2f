package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coflnet/cloud-sub001/config"
	"github.com/Coflnet/cloud-sub001/errors"
)

func TestNewRequiresURLs(t *testing.T) {
	_, err := New(config.NATSConfig{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestBuildOptionsIncludesCredentials(t *testing.T) {
	c, err := New(config.NATSConfig{
		URLs:          []string{"nats://localhost:4222"},
		MaxReconnects: 3,
		ReconnectWait: time.Second,
		Token:         "secret",
	}, nil)
	require.NoError(t, err)

	// One option per handler plus reconnect tuning plus the token.
	opts := c.buildOptions()
	assert.Len(t, opts, 6)
}

func TestMethodsBeforeConnect(t *testing.T) {
	c, err := New(config.NATSConfig{URLs: []string{"nats://localhost:4222"}}, nil)
	require.NoError(t, err)

	_, err = c.Conn()
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	_, err = c.OutboxBucket(context.Background())
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	// Close before Connect is a no-op.
	c.Close()
}
