package control

import (
	"net"
	"sync"

	"github.com/freitascorp/tunnelrelay/pkg/frame"
)

// DefaultWriteQueueSize is the bounded outbound queue depth per
// registration (spec.md §4.6/§5): "default 256 pending writes; on
// overflow the connection is dropped to protect the relay."
const DefaultWriteQueueSize = 256

// conn owns one control-channel socket's output side. A single
// dedicated goroutine drains its queue and writes frames in order, so
// frame boundaries are never interleaved on the wire; enqueuing from
// any other goroutine is non-blocking and reports queue-full instead of
// stalling the caller.
type conn struct {
	nc    net.Conn
	w     *frame.Writer
	queue chan frame.Frame
	done  chan struct{}

	closeOnce sync.Once
	onOverflow func()
}

func newConn(nc net.Conn, maxFrameBytes, queueSize int, onOverflow func()) *conn {
	if queueSize <= 0 {
		queueSize = DefaultWriteQueueSize
	}
	return &conn{
		nc:         nc,
		w:          frame.NewWriter(nc, maxFrameBytes),
		queue:      make(chan frame.Frame, queueSize),
		done:       make(chan struct{}),
		onOverflow: onOverflow,
	}
}

// Send implements routing.Sender: a non-blocking enqueue.
func (c *conn) Send(f frame.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- f:
		return true
	default:
		if c.onOverflow != nil {
			c.onOverflow()
		}
		c.Close()
		return false
	}
}

// runWriter drains the queue until Close is called. Runs on its own
// goroutine for the lifetime of the connection.
func (c *conn) runWriter() {
	for {
		select {
		case f := <-c.queue:
			if err := c.w.WriteFrame(f); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close implements routing.Closer. Safe to call multiple times and from
// any goroutine.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
	return nil
}
