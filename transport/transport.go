// Package transport defines the byte-level boundary between the cloud core
// and the network. The core only ever sees Send(bytes) on a Connection and
// raw inbound bytes on a Handler; sockets, NATS subjects and websockets are
// adapters behind that boundary.
package transport

import (
	"sync"

	"github.com/Coflnet/cloud-sub001/errors"
)

// Handler consumes raw inbound bytes. The reply connection, when known,
// lets the core answer without resolving the sender's node first; adapters
// that cannot attribute a peer pass nil.
type Handler func(data []byte, reply Connection)

// Connection sends bytes to one peer node.
type Connection interface {
	Send(data []byte) error
	Close() error
}

// Registry maps server ids to live connections and notifies the core when
// a node becomes reachable so persisted envelopes can be replayed.
type Registry struct {
	mu          sync.RWMutex
	connections map[uint64]Connection
	onConnect   func(serverID uint64)
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[uint64]Connection)}
}

// OnConnect registers the callback invoked after a connection is set.
func (r *Registry) OnConnect(fn func(serverID uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = fn
}

// Set registers the connection for a server, replacing any previous one,
// and fires the connect callback.
func (r *Registry) Set(serverID uint64, conn Connection) {
	r.mu.Lock()
	previous := r.connections[serverID]
	r.connections[serverID] = conn
	callback := r.onConnect
	r.mu.Unlock()

	if previous != nil && previous != conn {
		_ = previous.Close()
	}
	if callback != nil {
		callback(serverID)
	}
}

// Get returns the connection for a server. Returns ErrNoConnection when the
// node is unreachable.
func (r *Registry) Get(serverID uint64) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[serverID]
	if !ok {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Registry", "Get", "connection lookup")
	}
	return conn, nil
}

// Remove drops the connection for a server, closing it.
func (r *Registry) Remove(serverID uint64) {
	r.mu.Lock()
	conn := r.connections[serverID]
	delete(r.connections, serverID)
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Close closes every registered connection.
func (r *Registry) Close() {
	r.mu.Lock()
	connections := r.connections
	r.connections = make(map[uint64]Connection)
	r.mu.Unlock()

	for _, conn := range connections {
		_ = conn.Close()
	}
}
