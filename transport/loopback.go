package transport

import (
	"sync"

	"github.com/Coflnet/cloud-sub001/errors"
)

// loopbackConn delivers bytes to the peer handler through an ordered queue.
// Delivery happens on a dedicated goroutine so a handler that sends a reply
// on the same stack cannot deadlock.
type loopbackConn struct {
	mu      sync.Mutex
	queue   chan []byte
	closed  bool
	done    chan struct{}
	handler Handler
	reply   Connection
}

// NewLoopbackPair wires two in-process nodes together. Bytes sent on the
// first connection arrive at handlerB and vice versa, in send order. Used
// by the simulation harness to run client and server cores in one process.
func NewLoopbackPair(handlerA, handlerB Handler) (Connection, Connection) {
	a := &loopbackConn{queue: make(chan []byte, 256), done: make(chan struct{})}
	b := &loopbackConn{queue: make(chan []byte, 256), done: make(chan struct{})}

	// Bytes sent on a reach handlerB, which replies through b.
	a.handler, a.reply = handlerB, b
	b.handler, b.reply = handlerA, a

	go a.pump()
	go b.pump()

	return a, b
}

func (c *loopbackConn) pump() {
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.queue:
			if !ok {
				return
			}
			c.handler(data, c.reply)
		}
	}
}

// Send implements Connection.
func (c *loopbackConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.WrapTransient(errors.ErrConnectionLost, "loopback", "Send", "closed connection check")
	}

	// Copy so the caller may reuse its buffer.
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case c.queue <- buf:
		return nil
	default:
		return errors.WrapTransient(errors.ErrConnectionLost, "loopback", "Send", "queue capacity check")
	}
}

// Close implements Connection.
func (c *loopbackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}
