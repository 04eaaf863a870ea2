package frame

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/israelio/amqpr-go/internal/protocol"
)

// Transport is a duplex stream of frames. ReadFrame is called from one
// goroutine and the write methods from another; implementations must allow
// that split but need not support concurrent writers.
type Transport interface {
	WriteProtocolHeader() error
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Flush() error
	SetMaxFrameSize(size uint32)
	SetDeadline(t time.Time) error
	Close() error
}

// Conn is a Transport over a byte stream such as a TCP connection.
type Conn struct {
	rw        io.ReadWriteCloser
	reader    *Reader
	writer    *Writer
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps rw with the frame codec. Frames are limited to the protocol
// minimum until SetMaxFrameSize is called with the negotiated value.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{
		rw:     rw,
		reader: NewReader(rw, protocol.FrameMinSize),
		writer: NewWriter(rw, protocol.FrameMinSize),
	}
}

func (c *Conn) WriteProtocolHeader() error { return c.writer.WriteProtocolHeader() }

// ReadProtocolHeader is used by the accepting side of a connection.
func (c *Conn) ReadProtocolHeader() (string, error) { return c.reader.ReadProtocolHeader() }

func (c *Conn) ReadFrame() (*Frame, error) { return c.reader.ReadFrame() }

func (c *Conn) WriteFrame(f *Frame) error { return c.writer.WriteFrame(f) }

func (c *Conn) Flush() error { return c.writer.Flush() }

// SetMaxFrameSize applies a negotiated frame-max to both directions.
func (c *Conn) SetMaxFrameSize(size uint32) {
	c.reader.SetMaxFrameSize(size)
	c.writer.SetMaxFrameSize(size)
}

// SetDeadline sets a read/write deadline when the stream supports one.
func (c *Conn) SetDeadline(t time.Time) error {
	if nc, ok := c.rw.(net.Conn); ok {
		return nc.SetDeadline(t)
	}
	return nil
}

// Close closes the underlying stream once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

// Pipe returns two connected in-memory Conns. Writes on one side block until
// the other side reads them.
func Pipe() (client, server *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}
