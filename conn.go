package taskwire

import (
	"errors"
	"net"
	"sync"
)

// frameConn wraps a net.Conn with a write lock so that frames written from
// different goroutines never interleave, and an idempotent Close.
type frameConn struct {
	net.Conn
	maxFrame uint32

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newFrameConn(c net.Conn, maxFrame uint32) *frameConn {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &frameConn{Conn: c, maxFrame: maxFrame}
}

// Send encodes and writes one envelope.
func (c *frameConn) Send(e Envelope) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.Conn, b)
}

// Receive reads one frame. See ReadEnvelope for the two error results.
func (c *frameConn) Receive() (Envelope, error, error) {
	return ReadEnvelope(c.Conn, c.maxFrame)
}

// Close closes the underlying connection once. Closing an already closed
// socket is not reported.
func (c *frameConn) Close() error {
	c.closeOnce.Do(func() {
		err := c.Conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
