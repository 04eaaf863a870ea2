package rabbitmq

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// Error represents an AMQP reply-coded error
type Error struct {
	Code    int
	Reason  string
	Server  bool // true if error originated from server
	Recover bool // true if a new channel or connection may succeed
}

// Error implements the error interface
func (e *Error) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("AMQP error %d (%s): %s", e.Code, origin, e.Reason)
}

// Predefined client-side errors
var (
	ErrClosed = &Error{
		Code:   protocol.ReplyConnectionForced,
		Reason: "connection closed",
	}

	ErrChannelClosed = &Error{
		Code:   protocol.ReplyChannelError,
		Reason: "channel closed",
	}
)

// Sentinel errors
var (
	// ErrUnexpectedConnectionClose is returned when the inbound stream ends
	// while the connection is not closing.
	ErrUnexpectedConnectionClose = errors.New("amqp: connection closed unexpectedly")

	// ErrActorGone is returned when a command is submitted to a channel or
	// connection whose event loop has already exited.
	ErrActorGone = errors.New("amqp: actor is no longer running")

	// ErrChannelPoisoned is returned by every operation on a channel whose
	// frame sequence was left incomplete.
	ErrChannelPoisoned = errors.New("amqp: channel state is corrupted")

	ErrChannelInUse     = errors.New("amqp: channel id already in use")
	ErrInvalidChannelID = errors.New("amqp: invalid channel id")
	ErrNotOpen          = errors.New("amqp: channel is not open")
	ErrNoFreeChannel    = errors.New("amqp: no free channel id")

	// ErrConsumerCancelled ends a subscription the server cancelled, for
	// example because its queue was deleted.
	ErrConsumerCancelled = errors.New("amqp: consumer cancelled by server")

	// ErrSubscriptionClosed is returned by Subscription.Next once no more
	// deliveries will arrive.
	ErrSubscriptionClosed = errors.New("amqp: subscription closed")

	// ErrHandshakeFailed matches every *HandshakeError.
	ErrHandshakeFailed = errors.New("amqp: handshake failed")
)

// NewError creates a new Error from reply code and text
func NewError(code int, reason string, server bool) *Error {
	return &Error{
		Code:    code,
		Reason:  reason,
		Server:  server,
		Recover: code != protocol.ReplyConnectionForced && code < 500,
	}
}

// UnexpectedFrameError is returned by a strict wait that received a frame it
// was not waiting for.
type UnexpectedFrameError struct {
	ChannelID uint16
	Expected  string
	Found     string
}

func (e *UnexpectedFrameError) Error() string {
	return fmt.Sprintf("amqp: unexpected frame on channel %d: expected %s, found %s", e.ChannelID, e.Expected, e.Found)
}

// BodySizeError rejects a content header whose announced body is larger than
// the client accepts.
type BodySizeError struct {
	ChannelID uint16
	Size      uint64
	Limit     uint64
}

func (e *BodySizeError) Error() string {
	return fmt.Sprintf("amqp: content body of %d bytes on channel %d exceeds limit of %d", e.Size, e.ChannelID, e.Limit)
}

// HandshakeError reports the stage at which connection negotiation failed.
type HandshakeError struct {
	Stage handshakeStage
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("amqp: handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrHandshakeFailed) true for every HandshakeError.
func (e *HandshakeError) Is(target error) bool { return target == ErrHandshakeFailed }

// ProtocolViolationError reports a frame the client could not route or parse.
// It is surfaced to the ErrorHandler and NotifyProtocolViolation listeners and
// does not close the connection.
type ProtocolViolationError struct {
	ChannelID uint16
	Frame     string
	Reason    string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("amqp: protocol violation on channel %d: %s (%s)", e.ChannelID, e.Reason, e.Frame)
}

// TransportError wraps an I/O failure of the underlying stream. It is fatal
// to the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("amqp: transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorHandler receives errors that have no caller to return to.
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleChannelError(ch *Channel, err error)
	HandleProtocolViolation(conn *Connection, err *ProtocolViolationError)
}

// DefaultErrorHandler logs errors through zap
type DefaultErrorHandler struct {
	Logger *zap.Logger
}

// HandleConnectionError logs connection errors
func (deh *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	deh.logger().Error("connection error", zap.Error(err))
}

// HandleChannelError logs channel errors
func (deh *DefaultErrorHandler) HandleChannelError(ch *Channel, err error) {
	deh.logger().Warn("channel error", zap.Uint16("channel_id", ch.ID()), zap.Error(err))
}

// HandleProtocolViolation logs frames that could not be routed
func (deh *DefaultErrorHandler) HandleProtocolViolation(conn *Connection, err *ProtocolViolationError) {
	deh.logger().Warn("protocol violation",
		zap.Uint16("channel_id", err.ChannelID),
		zap.String("frame", err.Frame),
		zap.String("reason", err.Reason))
}

func (deh *DefaultErrorHandler) logger() *zap.Logger {
	if deh.Logger == nil {
		return zap.NewNop()
	}
	return deh.Logger
}

// closeErrorFromArgs decodes the reply-code/reply-text/class/method arguments
// shared by connection.close and channel.close.
func closeErrorFromArgs(args []byte) (*Error, error) {
	r := frame.NewArgReader(args)
	code := r.Uint16()
	text := r.ShortString()
	r.Uint16() // failing class id
	r.Uint16() // failing method id
	if err := r.Err(); err != nil {
		return nil, err
	}
	return NewError(int(code), text, true), nil
}
