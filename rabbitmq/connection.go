package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// ConnectionState represents the current state of a connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

// String returns a string representation of the connection state
func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BlockedNotification represents a connection.blocked or connection.unblocked
type BlockedNotification struct {
	Blocked bool
	Reason  string
}

// Connection is an open AMQP connection. Channel 0 is owned by the
// connection actor, a single goroutine that processes one event at a time:
// inbound channel-0 frames, channel registration, heartbeat ticks and close
// requests.
type Connection struct {
	factory      *ConnectionFactory
	logger       *zap.Logger
	metrics      MetricsCollector
	errorHandler ErrorHandler

	transport  frame.Transport
	dispatcher *dispatcher
	registry   *channelRegistry
	events     *mailbox[connEvent]
	heartbeats *heartbeater

	// Negotiated during the handshake; read-only afterwards.
	channelMax       uint16
	frameMax         uint32
	heartbeat        time.Duration
	serverProperties Table

	state    atomic.Int32
	closed   chan struct{}
	closeErr error // set before closed is closed

	// Actor-owned
	closing []*closeRequest

	listenerMu         sync.Mutex
	closeListeners     []chan error
	violationListeners []chan *ProtocolViolationError
	blockedListeners   []chan BlockedNotification
}

// connEvent is anything the connection actor processes.
type connEvent interface{}

type connFrame struct{ frame *frame.Frame }

type heartbeatTick struct{}

type channelGone struct{ ch *Channel }

type openChannelRequest struct {
	ctx   context.Context
	id    uint16
	reply chan openChannelResult
	// claimed by the actor before registering, or by a caller giving up.
	settled atomic.Bool
}

type openChannelResult struct {
	ch  *Channel
	err error
}

type closeRequest struct {
	code  int
	text  string
	reply chan error
}

func newConnection(cf *ConnectionFactory, t frame.Transport, tuned *tuning) *Connection {
	logger := cf.logger().With(zap.String("vhost", cf.VHost))
	metrics := cf.metrics()
	registry := newChannelRegistry()

	c := &Connection{
		factory:          cf,
		logger:           logger,
		metrics:          metrics,
		errorHandler:     cf.errorHandler(),
		transport:        t,
		registry:         registry,
		events:           newMailbox[connEvent](),
		channelMax:       tuned.channelMax,
		frameMax:         tuned.frameMax,
		heartbeat:        tuned.heartbeat,
		serverProperties: tuned.serverProperties,
		closed:           make(chan struct{}),
	}

	c.dispatcher = newDispatcher(t, registry, cf.OutboundQueueSize, logger, metrics)
	c.dispatcher.global = func(f *frame.Frame) {
		c.events.push(connFrame{frame: f})
	}
	c.dispatcher.violation = c.reportViolation
	c.state.Store(int32(StateHandshaking))
	return c
}

// start launches the dispatcher, the connection actor and the heartbeat
// scheduler.
func (c *Connection) start() {
	c.state.Store(int32(StateOpen))
	c.metrics.ConnectionOpened()

	c.dispatcher.start()
	if c.heartbeat > 0 {
		c.heartbeats = startHeartbeat(c.heartbeat, func() {
			c.events.push(heartbeatTick{})
		})
	}
	go c.run()
}

func (c *Connection) run() {
	for {
		for {
			ev, ok := c.events.pop()
			if !ok {
				break
			}
			c.handle(ev)
			if c.State() == StateClosed {
				return
			}
		}

		select {
		case <-c.events.ready():
		case <-c.dispatcher.done:
			// Frames read before the failure still get handled; a
			// connection.close queued here explains the EOF that follows it.
			for {
				ev, ok := c.events.pop()
				if !ok {
					break
				}
				c.handle(ev)
				if c.State() == StateClosed {
					return
				}
			}
			c.shutdown(c.dispatcher.err)
			return
		}
	}
}

func (c *Connection) handle(ev connEvent) {
	switch ev := ev.(type) {
	case connFrame:
		c.handleFrame(ev.frame)
	case heartbeatTick:
		c.sendHeartbeat()
	case *openChannelRequest:
		if !ev.settled.CompareAndSwap(false, true) {
			return
		}
		ch, err := c.openLocalChannel(ev.ctx, ev.id)
		ev.reply <- openChannelResult{ch: ch, err: err}
	case channelGone:
		c.registry.remove(ev.ch)
	case *closeRequest:
		c.beginClose(ev)
	}
}

func (c *Connection) handleFrame(f *frame.Frame) {
	if f.Type == protocol.FrameHeartbeat {
		c.logger.Debug("heartbeat received")
		return
	}

	id, ok := f.MethodID()
	if !ok {
		c.reportViolation(&ProtocolViolationError{
			ChannelID: f.ChannelID,
			Frame:     f.String(),
			Reason:    "content frame on channel 0",
		})
		return
	}

	m, _ := f.ParseMethod()
	switch id {
	case protocol.ConnectionClose:
		closeErr, err := closeErrorFromArgs(m.Args)
		if err != nil {
			closeErr = NewError(protocol.ReplyFrameError, err.Error(), true)
		}
		c.logger.Warn("connection closed by server",
			zap.Int("reply_code", closeErr.Code),
			zap.String("reply_text", closeErr.Reason))

		c.state.Store(int32(StateClosing))
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c.dispatcher.send(ctx, frame.NewMethodFrame(protocol.GlobalChannel, protocol.ConnectionCloseOk, nil))
		cancel()
		c.shutdown(closeErr)

	case protocol.ConnectionCloseOk:
		if len(c.closing) == 0 {
			c.reportViolation(&ProtocolViolationError{ChannelID: 0, Frame: f.String(), Reason: "close-ok without close"})
			return
		}
		c.shutdown(ErrClosed)

	case protocol.ConnectionBlocked:
		r := frame.NewArgReader(m.Args)
		reason := r.ShortString()
		c.logger.Warn("connection blocked", zap.String("reason", reason))
		c.notifyBlocked(BlockedNotification{Blocked: true, Reason: reason})

	case protocol.ConnectionUnblock:
		c.logger.Info("connection unblocked")
		c.notifyBlocked(BlockedNotification{Blocked: false})

	default:
		c.reportViolation(&ProtocolViolationError{
			ChannelID: 0,
			Frame:     f.String(),
			Reason:    "unexpected method on channel 0",
		})
	}
}

func (c *Connection) sendHeartbeat() {
	if c.State() != StateOpen {
		return
	}
	if _, err := c.dispatcher.enqueue(context.Background(), frame.NewHeartbeatFrame(), false); err != nil {
		c.logger.Debug("heartbeat not sent", zap.Error(err))
		return
	}
	c.metrics.HeartbeatSent()
}

// openLocalChannel registers a new channel actor. It does not send
// channel.open. id 0 picks the lowest free id.
func (c *Connection) openLocalChannel(ctx context.Context, id uint16) (*Channel, error) {
	if c.State() != StateOpen {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if id == 0 {
		free, ok := c.registry.lowestFree(c.channelMax)
		if !ok {
			return nil, ErrNoFreeChannel
		}
		id = free
	}
	if id > c.channelMax {
		return nil, fmt.Errorf("%w: %d exceeds channel max %d", ErrInvalidChannelID, id, c.channelMax)
	}
	if _, used := c.registry.get(id); used {
		return nil, fmt.Errorf("%w: %d", ErrChannelInUse, id)
	}

	ch := newChannel(c, id)
	c.registry.add(ch)
	go ch.run()

	c.logger.Debug("channel registered", zap.Uint16("channel_id", id))
	return ch, nil
}

func (c *Connection) beginClose(req *closeRequest) {
	if c.State() != StateOpen {
		c.closing = append(c.closing, req)
		return
	}

	args, err := frame.NewArgBuilder().
		Uint16(uint16(req.code)).
		ShortString(req.text).
		Uint16(0).
		Uint16(0).
		Bytes()
	if err != nil {
		req.reply <- err
		return
	}

	c.state.Store(int32(StateClosing))
	c.closing = append(c.closing, req)
	if _, err := c.dispatcher.enqueue(context.Background(), frame.NewMethodFrame(protocol.GlobalChannel, protocol.ConnectionClose, args), false); err != nil {
		c.shutdown(err)
	}
}

// shutdown tears the connection down: every channel actor is told why, the
// dispatcher stops and listeners are notified. reason ErrClosed marks a
// client-initiated close.
func (c *Connection) shutdown(reason error) {
	if c.State() == StateClosed {
		return
	}
	c.state.Store(int32(StateClosed))
	c.heartbeats.stop()

	for _, ch := range c.registry.drain() {
		ch.terminate(reason)
	}
	c.dispatcher.stop()

	graceful := reason == ErrClosed
	c.closeErr = reason
	close(c.closed)

	for _, req := range c.closing {
		req.reply <- nil
	}
	c.closing = nil
	for _, ev := range c.events.close() {
		switch ev := ev.(type) {
		case *openChannelRequest:
			ev.reply <- openChannelResult{err: ErrClosed}
		case *closeRequest:
			ev.reply <- nil
		}
	}

	if graceful {
		c.metrics.ConnectionClosed(nil)
		c.logger.Info("connection closed")
	} else {
		c.metrics.ConnectionClosed(reason)
		c.logger.Error("connection failed", zap.Error(reason))
		c.errorHandler.HandleConnectionError(c, reason)
	}

	c.listenerMu.Lock()
	for _, l := range c.closeListeners {
		if !graceful {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	c.closeListeners = nil
	for _, l := range c.violationListeners {
		close(l)
	}
	c.violationListeners = nil
	for _, l := range c.blockedListeners {
		close(l)
	}
	c.blockedListeners = nil
	c.listenerMu.Unlock()
}

// reportViolation is called from the dispatcher reader and the connection
// actor. It never closes the connection.
func (c *Connection) reportViolation(err *ProtocolViolationError) {
	c.logger.Warn("protocol violation",
		zap.Uint16("channel_id", err.ChannelID),
		zap.String("frame", err.Frame),
		zap.String("reason", err.Reason))
	c.errorHandler.HandleProtocolViolation(c, err)

	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for _, l := range c.violationListeners {
		select {
		case l <- err:
		default:
		}
	}
}

func (c *Connection) notifyBlocked(n BlockedNotification) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for _, l := range c.blockedListeners {
		select {
		case l <- n:
		default:
		}
	}
}

// request submits ev to the connection actor.
func (c *Connection) request(ev connEvent) error {
	if err := c.events.push(ev); err != nil {
		return c.closedError()
	}
	return nil
}

func (c *Connection) closedError() error {
	select {
	case <-c.closed:
		if c.closeErr == ErrClosed {
			return ErrClosed
		}
		return fmt.Errorf("%w: %w", ErrClosed, c.closeErr)
	default:
		return ErrActorGone
	}
}

// LocalChannel registers a channel actor for id without sending
// channel.open. id 0 picks the lowest free id. Call Open on the result.
func (c *Connection) LocalChannel(ctx context.Context, id uint16) (*Channel, error) {
	req := &openChannelRequest{ctx: ctx, id: id, reply: make(chan openChannelResult, 1)}
	if err := c.request(req); err != nil {
		return nil, err
	}

	select {
	case res := <-req.reply:
		return res.ch, res.err
	case <-ctx.Done():
		if req.settled.CompareAndSwap(false, true) {
			return nil, ctx.Err()
		}
		res := <-req.reply
		return res.ch, res.err
	}
}

// OpenChannel registers channel id and opens it.
func (c *Connection) OpenChannel(ctx context.Context, id uint16) (*Channel, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: 0 is reserved for the connection", ErrInvalidChannelID)
	}
	return c.openChannel(ctx, id)
}

// NewChannel opens a channel on the lowest free id.
func (c *Connection) NewChannel(ctx context.Context) (*Channel, error) {
	return c.openChannel(ctx, 0)
}

func (c *Connection) openChannel(ctx context.Context, id uint16) (*Channel, error) {
	ch, err := c.LocalChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ch.Open(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// Close performs the connection.close handshake. If ctx ends before the
// server answers, the transport is closed anyway and ctx's error returned.
func (c *Connection) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, protocol.ReplySuccess, "normal shutdown")
}

// CloseWithCode is Close with an explicit reply code and text.
func (c *Connection) CloseWithCode(ctx context.Context, code int, text string) error {
	req := &closeRequest{code: code, text: text, reply: make(chan error, 1)}
	if err := c.request(req); err != nil {
		if c.IsClosed() {
			return nil
		}
		return err
	}

	ctx, cancel := c.factory.withRPCTimeout(ctx)
	defer cancel()

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		c.dispatcher.stop()
		<-c.closed
		return ctx.Err()
	}
}

// NotifyClose registers a listener for connection shutdown. The channel
// receives the failure, if any, and is then closed; a graceful close just
// closes it. The send does not block, so pass a buffered channel.
func (c *Connection) NotifyClose(ch chan error) chan error {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	if c.IsClosed() {
		if c.closeErr != ErrClosed {
			select {
			case ch <- c.closeErr:
			default:
			}
		}
		close(ch)
		return ch
	}
	c.closeListeners = append(c.closeListeners, ch)
	return ch
}

// NotifyProtocolViolation registers a listener for frames the client could
// not route. Sends never block; use a buffered channel.
func (c *Connection) NotifyProtocolViolation(ch chan *ProtocolViolationError) chan *ProtocolViolationError {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	if c.IsClosed() {
		close(ch)
		return ch
	}
	c.violationListeners = append(c.violationListeners, ch)
	return ch
}

// NotifyBlocked registers a listener for connection.blocked/unblocked.
func (c *Connection) NotifyBlocked(ch chan BlockedNotification) chan BlockedNotification {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	if c.IsClosed() {
		close(ch)
		return ch
	}
	c.blockedListeners = append(c.blockedListeners, ch)
	return ch
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsClosed reports whether the connection has shut down
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the connection shut down, nil while open or after a
// graceful close.
func (c *Connection) Err() error {
	if !c.IsClosed() || c.closeErr == ErrClosed {
		return nil
	}
	return c.closeErr
}

// ChannelCount returns the number of registered channels
func (c *Connection) ChannelCount() int {
	return c.registry.len()
}

func (c *Connection) ChannelMax() uint16 { return c.channelMax }

func (c *Connection) FrameMax() uint32 { return c.frameMax }

func (c *Connection) Heartbeat() time.Duration { return c.heartbeat }

// ServerProperties returns the properties the server sent in connection.start
func (c *Connection) ServerProperties() Table {
	return c.serverProperties
}

// ServerVersion parses the "version" server property.
func (c *Connection) ServerVersion() (*semver.Version, error) {
	raw, ok := c.serverProperties["version"]
	if !ok {
		return nil, errors.New("server did not report a version")
	}

	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return nil, fmt.Errorf("server version has type %T", raw)
	}

	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("parse server version %q: %w", s, err)
	}
	return v, nil
}

// ServerVersionSatisfies checks the server version against a constraint such
// as ">= 3.8".
func (c *Connection) ServerVersionSatisfies(constraint string) (bool, error) {
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, err
	}
	v, err := c.ServerVersion()
	if err != nil {
		return false, err
	}
	return cons.Check(v), nil
}
