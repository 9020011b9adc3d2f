package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coflnet/cloud-sub001/errors"
)

// collector records inbound bytes for assertions.
type collector struct {
	mu       sync.Mutex
	received [][]byte
}

func (c *collector) handler(data []byte, _ Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, data)
}

func (c *collector) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		count := len(c.received)
		c.mu.Unlock()
		if count >= n {
			break
		}
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.received, n)
	return c.received
}

func TestLoopbackDeliversInOrder(t *testing.T) {
	var atA, atB collector
	a, b := NewLoopbackPair(atA.handler, atB.handler)
	defer func() { _ = a.Close(); _ = b.Close() }()

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))
	require.NoError(t, b.Send([]byte("pong")))

	got := atB.wait(t, 2)
	assert.Equal(t, []byte("one"), got[0])
	assert.Equal(t, []byte("two"), got[1])

	atA.wait(t, 1)
}

func TestLoopbackReplyConnection(t *testing.T) {
	var atA collector
	replies := make(chan Connection, 1)

	a, b := NewLoopbackPair(atA.handler, func(data []byte, reply Connection) {
		replies <- reply
	})
	defer func() { _ = a.Close(); _ = b.Close() }()

	require.NoError(t, a.Send([]byte("hello")))

	select {
	case reply := <-replies:
		require.NoError(t, reply.Send([]byte("answer")))
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	atA.wait(t, 1)
}

func TestLoopbackSendAfterClose(t *testing.T) {
	a, b := NewLoopbackPair(func([]byte, Connection) {}, func([]byte, Connection) {})
	_ = b.Close()
	require.NoError(t, a.Close())

	err := a.Send([]byte("late"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}

func TestRegistryLookupAndReplace(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get(5)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	a, b := NewLoopbackPair(func([]byte, Connection) {}, func([]byte, Connection) {})
	defer func() { _ = a.Close(); _ = b.Close() }()

	var notified []uint64
	registry.OnConnect(func(serverID uint64) { notified = append(notified, serverID) })

	registry.Set(5, a)
	got, err := registry.Get(5)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Equal(t, []uint64{5}, notified)

	registry.Remove(5)
	_, err = registry.Get(5)
	assert.Error(t, err)
}

func TestNodeSubject(t *testing.T) {
	assert.Equal(t, "cloud.node.5", NodeSubject(5))
}
