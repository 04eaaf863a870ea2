// Package rabbitmqtest provides a scripted AMQP peer for unit tests. A test
// drives the server side of an in-memory pipe frame by frame, so every state
// machine in the client can be exercised without a broker.
package rabbitmqtest

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// DefaultTimeout bounds every Receive.
const DefaultTimeout = 2 * time.Second

// Tune holds the values the server offers in connection.tune.
type Tune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

// DefaultTune is what Handshake offers when given a zero Tune.
var DefaultTune = Tune{ChannelMax: 2047, FrameMax: protocol.DefaultFrameMax, Heartbeat: 0}

// Server is the broker end of a pipe.
type Server struct {
	t       testing.TB
	conn    *frame.Conn
	Timeout time.Duration
}

// NewPipe returns the client transport and the scripted server on the other
// end. Both are closed when the test ends.
func NewPipe(t testing.TB) (*frame.Conn, *Server) {
	t.Helper()
	client, server := frame.Pipe()
	s := &Server{t: t, conn: server, Timeout: DefaultTimeout}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, s
}

// Conn exposes the raw server transport.
func (s *Server) Conn() *frame.Conn {
	return s.conn
}

// ExpectProtocolHeader reads the unframed protocol header.
func (s *Server) ExpectProtocolHeader() {
	s.t.Helper()
	s.conn.SetDeadline(time.Now().Add(s.Timeout))
	defer s.conn.SetDeadline(time.Time{})

	header, err := s.conn.ReadProtocolHeader()
	require.NoError(s.t, err, "reading protocol header")
	require.Equal(s.t, protocol.ProtocolHeader, header)
}

// Send writes and flushes frames in order.
func (s *Server) Send(frames ...*frame.Frame) {
	s.t.Helper()
	s.conn.SetDeadline(time.Now().Add(s.Timeout))
	defer s.conn.SetDeadline(time.Time{})

	for _, f := range frames {
		require.NoError(s.t, s.conn.WriteFrame(f), "writing %s", f)
	}
	require.NoError(s.t, s.conn.Flush())
}

// SendMethod writes one method frame.
func (s *Server) SendMethod(channelID uint16, id protocol.MethodID, args []byte) {
	s.t.Helper()
	s.Send(frame.NewMethodFrame(channelID, id, args))
}

// Args builds method arguments, failing the test on encoding errors.
func (s *Server) Args(b *frame.ArgBuilder) []byte {
	s.t.Helper()
	args, err := b.Bytes()
	require.NoError(s.t, err)
	return args
}

// Receive reads the next frame from the client, skipping heartbeats.
func (s *Server) Receive() *frame.Frame {
	s.t.Helper()
	for {
		f, err := s.read()
		require.NoError(s.t, err, "waiting for a frame from the client")
		if f.Type != protocol.FrameHeartbeat {
			return f
		}
	}
}

// ReceiveAny reads the next frame, heartbeats included.
func (s *Server) ReceiveAny() *frame.Frame {
	s.t.Helper()
	f, err := s.read()
	require.NoError(s.t, err, "waiting for a frame from the client")
	return f
}

// ExpectSilence asserts the client sends nothing for d.
func (s *Server) ExpectSilence(d time.Duration) {
	s.t.Helper()
	s.conn.SetDeadline(time.Now().Add(d))
	defer s.conn.SetDeadline(time.Time{})

	f, err := s.conn.ReadFrame()
	if err == nil {
		s.t.Fatalf("expected no frame, got %s", f)
	}
	require.True(s.t, errors.Is(err, os.ErrDeadlineExceeded), "unexpected read error: %v", err)
}

// ExpectClosed asserts the client closed its end.
func (s *Server) ExpectClosed() {
	s.t.Helper()
	for {
		f, err := s.read()
		if err != nil {
			require.ErrorIs(s.t, err, io.EOF)
			return
		}
		if f.Type != protocol.FrameHeartbeat {
			s.t.Fatalf("expected the client to close, got %s", f)
		}
	}
}

// Expect reads the next frame and requires it to be method id on channelID.
func (s *Server) Expect(channelID uint16, id protocol.MethodID) *frame.Method {
	s.t.Helper()
	f := s.Receive()
	require.Equal(s.t, channelID, f.ChannelID, "channel of %s", f)
	require.True(s.t, f.IsMethod(id), "expected %s, got %s", id, f)
	m, err := f.ParseMethod()
	require.NoError(s.t, err)
	return m
}

// Handshake plays the server side of a successful connection negotiation.
func (s *Server) Handshake(tune Tune) {
	s.t.Helper()
	if tune == (Tune{}) {
		tune = DefaultTune
	}

	s.ExpectProtocolHeader()
	s.SendMethod(0, protocol.ConnectionStart, s.StartArgs(protocol.Table{
		"product": "rabbitmqtest",
		"version": "3.12.4",
	}, "PLAIN AMQPLAIN"))
	s.Expect(0, protocol.ConnectionStartOk)
	s.SendMethod(0, protocol.ConnectionTune, s.TuneArgs(tune))
	s.Expect(0, protocol.ConnectionTuneOk)
	s.conn.SetMaxFrameSize(tune.FrameMax)
	s.Expect(0, protocol.ConnectionOpen)
	s.SendMethod(0, protocol.ConnectionOpenOk, s.Args(frame.NewArgBuilder().ShortString("")))
}

// StartArgs encodes connection.start for version 0-9.
func (s *Server) StartArgs(props protocol.Table, mechanisms string) []byte {
	s.t.Helper()
	return s.Args(frame.NewArgBuilder().
		Uint8(protocol.VersionMajor).
		Uint8(protocol.VersionMinor).
		Table(props).
		LongString([]byte(mechanisms)).
		LongString([]byte("en_US")))
}

// TuneArgs encodes connection.tune.
func (s *Server) TuneArgs(tune Tune) []byte {
	s.t.Helper()
	return s.Args(frame.NewArgBuilder().
		Uint16(tune.ChannelMax).
		Uint32(tune.FrameMax).
		Uint16(tune.Heartbeat))
}

// OpenChannel answers the client's channel.open on channelID.
func (s *Server) OpenChannel(channelID uint16) {
	s.t.Helper()
	s.Expect(channelID, protocol.ChannelOpen)
	s.SendMethod(channelID, protocol.ChannelOpenOk, s.Args(frame.NewArgBuilder().LongString(nil)))
}

// CloseArgs encodes connection.close or channel.close.
func (s *Server) CloseArgs(code uint16, text string, failing protocol.MethodID) []byte {
	s.t.Helper()
	return s.Args(frame.NewArgBuilder().
		Uint16(code).
		ShortString(text).
		Uint16(failing.Class).
		Uint16(failing.Method))
}

// Deliver sends basic.deliver followed by its content header and body.
// Properties are passed pre-encoded; nil means no properties.
func (s *Server) Deliver(channelID uint16, consumerTag string, deliveryTag uint64, exchange, routingKey string, props, body []byte) {
	s.t.Helper()
	args := s.Args(frame.NewArgBuilder().
		ShortString(consumerTag).
		Uint64(deliveryTag).
		Bits(false).
		ShortString(exchange).
		ShortString(routingKey))
	s.Send(s.Content(channelID, protocol.BasicDeliver, args, props, body)...)
}

// Content builds a lead method plus its header and a single body frame.
func (s *Server) Content(channelID uint16, lead protocol.MethodID, args, props, body []byte) []*frame.Frame {
	if props == nil {
		props = []byte{0, 0}
	}
	frames := []*frame.Frame{
		frame.NewMethodFrame(channelID, lead, args),
		frame.NewHeaderFrame(channelID, protocol.ClassBasic, uint64(len(body)), props),
	}
	if len(body) > 0 {
		frames = append(frames, frame.NewBodyFrame(channelID, body))
	}
	return frames
}

// Close closes the server end, which the client sees as EOF.
func (s *Server) Close() {
	s.conn.Close()
}

func (s *Server) read() (*frame.Frame, error) {
	s.conn.SetDeadline(time.Now().Add(s.Timeout))
	defer s.conn.SetDeadline(time.Time{})
	return s.conn.ReadFrame()
}
