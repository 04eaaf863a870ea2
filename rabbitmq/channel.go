package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// ChannelState represents the state of a channel
type ChannelState int32

const (
	ChannelStateClosed ChannelState = iota
	ChannelStateOpening
	ChannelStateOpen
	ChannelStateClosing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateClosed:
		return "closed"
	case ChannelStateOpening:
		return "opening"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Channel is one AMQP channel. Every operation is submitted as a command to
// the channel's actor goroutine, which owns all protocol state: at most one
// command waits for a reply at a time, and inbound frames are processed in
// arrival order.
type Channel struct {
	id      uint16
	conn    *Connection
	logger  *zap.Logger
	metrics MetricsCollector

	frames   *mailbox[inbound]
	commands *mailbox[*command]

	state atomic.Int32
	done  chan struct{}
	err   error // set before done is closed

	// Actor-owned
	pending       *command
	content       *assembler
	subscriptions map[string]*Subscription
	// abandoned holds consumers whose Consume call gave up before
	// consume-ok, until cancel-ok. The value is true when their deliveries
	// must be rejected back to the queue.
	abandoned map[string]bool
	poisoned  error
	finished      bool

	listenerMu      sync.Mutex
	closeListeners  []chan error
	returnListeners []chan Return
}

// inbound is a routed frame, or the connection telling the channel to stop.
type inbound struct {
	frame *frame.Frame
	fail  error
}

type commandKind int

const (
	cmdOpen commandKind = iota
	cmdRPC
	cmdSend
	cmdPublish
	cmdConsume
	cmdCancel
	cmdGet
	cmdClose
)

// command is one caller operation. reply is buffered so the actor never
// blocks on a caller that has given up.
type command struct {
	ctx    context.Context
	kind   commandKind
	frames []*frame.Frame
	expect []protocol.MethodID
	mode   MatchMode
	noWait bool

	publish *publishProtocol
	sub     *Subscription
	tag     string

	// assembling is set once a get-ok arrived and its content is being read.
	assembling bool

	// settled is claimed once, either by the actor handing over a result the
	// caller must act on or by a caller that gave up waiting.
	settled atomic.Bool

	reply chan result
}

type result struct {
	method *frame.Method
	msg    *message
	err    error
}

func (cmd *command) matches(f *frame.Frame) bool {
	id, ok := f.MethodID()
	if !ok {
		return false
	}
	for _, want := range cmd.expect {
		if id == want {
			return true
		}
	}
	return false
}

func (cmd *command) expected() string {
	if len(cmd.expect) == 1 {
		return cmd.expect[0].String()
	}
	names := ""
	for i, id := range cmd.expect {
		if i > 0 {
			names += " or "
		}
		names += id.String()
	}
	return names
}

func newChannel(c *Connection, id uint16) *Channel {
	ch := &Channel{
		id:            id,
		conn:          c,
		logger:        c.logger.With(zap.Uint16("channel_id", id)),
		metrics:       c.metrics,
		frames:        newMailbox[inbound](),
		commands:      newMailbox[*command](),
		done:          make(chan struct{}),
		subscriptions: make(map[string]*Subscription),
		abandoned:     make(map[string]bool),
	}
	ch.content = newAssembler(id, Tolerant, protocol.BasicDeliver, protocol.BasicReturn, protocol.BasicGetOk)
	ch.content.modeFor = ch.sequenceMode
	ch.content.maxBody = c.factory.MaxBodySize
	ch.state.Store(int32(ChannelStateClosed))
	return ch
}

// deliver is called by the dispatcher reader.
func (ch *Channel) deliver(f *frame.Frame) error {
	return ch.frames.push(inbound{frame: f})
}

// terminate is called by the connection actor when the connection is gone.
func (ch *Channel) terminate(reason error) {
	ch.frames.push(inbound{fail: reason})
}

func (ch *Channel) run() {
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Error("channel actor panicked", zap.Any("panic", r))
			ch.finish(fmt.Errorf("channel %d actor panicked: %v", ch.id, r), false)
		}
	}()

	for !ch.finished {
		if in, ok := ch.frames.pop(); ok {
			if in.fail != nil {
				ch.finish(in.fail, true)
				return
			}
			ch.handleFrame(in.frame)
			continue
		}
		if ch.pending == nil {
			if cmd, ok := ch.commands.pop(); ok {
				ch.handleCommand(cmd)
				continue
			}
		}

		var commands <-chan struct{}
		if ch.pending == nil {
			commands = ch.commands.ready()
		}
		select {
		case <-ch.frames.ready():
		case <-commands:
		}
	}
}

func (ch *Channel) handleCommand(cmd *command) {
	if err := cmd.ctx.Err(); err != nil {
		cmd.reply <- result{err: err}
		return
	}
	if ch.poisoned != nil && cmd.kind != cmdClose {
		cmd.reply <- result{err: fmt.Errorf("%w: %v", ErrChannelPoisoned, ch.poisoned)}
		return
	}

	state := ch.State()
	switch cmd.kind {
	case cmdOpen:
		if state != ChannelStateClosed {
			cmd.reply <- result{err: fmt.Errorf("channel %d is already %s", ch.id, state)}
			return
		}
		ch.state.Store(int32(ChannelStateOpening))
	case cmdClose:
		if state == ChannelStateClosed {
			// Never opened: nothing to tell the server.
			ch.finish(nil, false)
			cmd.reply <- result{}
			return
		}
		ch.state.Store(int32(ChannelStateClosing))
	default:
		if state != ChannelStateOpen {
			cmd.reply <- result{err: ErrNotOpen}
			return
		}
	}

	switch cmd.kind {
	case cmdPublish:
		cmd.reply <- result{err: ch.runPublish(cmd.publish)}
		return
	case cmdConsume:
		if _, exists := ch.subscriptions[cmd.sub.tag]; exists {
			cmd.reply <- result{err: fmt.Errorf("consumer tag %q already in use on channel %d", cmd.sub.tag, ch.id)}
			return
		}
		// Registered before sending so no delivery can beat consume-ok.
		ch.subscriptions[cmd.sub.tag] = cmd.sub
	}

	if err := ch.write(cmd.frames...); err != nil {
		switch cmd.kind {
		case cmdConsume:
			delete(ch.subscriptions, cmd.sub.tag)
		case cmdOpen:
			ch.state.Store(int32(ChannelStateClosed))
		}
		cmd.reply <- result{err: err}
		return
	}

	if cmd.noWait {
		ch.completeNoWait(cmd)
		return
	}
	ch.pending = cmd
}

func (ch *Channel) completeNoWait(cmd *command) {
	switch cmd.kind {
	case cmdCancel:
		ch.endSubscription(cmd.tag, nil)
	case cmdConsume:
		if !cmd.settled.CompareAndSwap(false, true) {
			ch.abandonConsumer(cmd.sub)
			return
		}
		ch.logger.Debug("consumer started", zap.String("consumer_tag", cmd.sub.tag))
	}
	cmd.reply <- result{}
}

// write queues frames in order and waits until the last has been flushed.
func (ch *Channel) write(frames ...*frame.Frame) error {
	ctx := context.Background()
	d := ch.conn.dispatcher

	var done <-chan error
	for i, f := range frames {
		var err error
		if done, err = d.enqueue(ctx, f, i == len(frames)-1); err != nil {
			return err
		}
	}
	if done == nil {
		return nil
	}
	return d.await(ctx, done)
}

func (ch *Channel) handleFrame(f *frame.Frame) {
	switch {
	case f.IsMethod(protocol.ChannelClose):
		ch.onServerClose(f)
		return
	case f.IsMethod(protocol.BasicCancel):
		ch.onServerCancel(f)
		return
	case f.IsMethod(protocol.BasicCancelOk) && ch.settleAbandoned(f):
		return
	}

	if p := ch.pending; p != nil && !p.assembling && p.matches(f) {
		ch.complete(f)
		return
	}

	if ch.content.active() || ch.content.isLead(f) {
		ch.feedContent(f)
		return
	}

	if p := ch.pending; p != nil && p.mode == Strict {
		ch.pending = nil
		p.reply <- result{err: &UnexpectedFrameError{ChannelID: ch.id, Expected: p.expected(), Found: f.String()}}
		if p.kind == cmdOpen {
			ch.state.Store(int32(ChannelStateClosed))
		}
		return
	}
	ch.skip(f)
}

func (ch *Channel) skip(f *frame.Frame) {
	ch.metrics.FrameSkipped()
	if ce := ch.logger.Check(zap.DebugLevel, "frame skipped"); ce != nil {
		ce.Write(zap.String("frame", f.String()))
	}
}

// complete resolves the pending command with its reply frame f.
func (ch *Channel) complete(f *frame.Frame) {
	p := ch.pending
	m, err := f.ParseMethod()
	if err != nil {
		ch.pending = nil
		p.reply <- result{err: err}
		return
	}

	switch p.kind {
	case cmdOpen:
		ch.state.Store(int32(ChannelStateOpen))
		ch.metrics.ChannelOpened()
		ch.logger.Info("channel opened")

	case cmdClose:
		ch.pending = nil
		ch.finish(nil, false)
		p.reply <- result{}
		return

	case cmdGet:
		if m.ID == protocol.BasicGetEmpty {
			break
		}
		// The content that follows is read strictly.
		p.assembling = true
		ch.feedContent(f)
		return

	case cmdConsume:
		r := frame.NewArgReader(m.Args)
		tag := r.ShortString()
		if err := r.Err(); err == nil && tag != p.sub.tag {
			delete(ch.subscriptions, p.sub.tag)
			p.sub.tag = tag
			ch.subscriptions[tag] = p.sub
		}
		if !p.settled.CompareAndSwap(false, true) {
			ch.pending = nil
			ch.abandonConsumer(p.sub)
			return
		}
		ch.logger.Debug("consumer started", zap.String("consumer_tag", p.sub.tag))

	case cmdCancel:
		ch.endSubscription(p.tag, nil)
	}

	ch.pending = nil
	p.reply <- result{method: m}
}

// sequenceMode picks how strictly one content sequence is read.
func (ch *Channel) sequenceMode(msg *message) MatchMode {
	switch msg.method {
	case protocol.BasicGetOk:
		return Strict
	case protocol.BasicDeliver:
		if sub, ok := ch.subscriptions[msg.consumerTag]; ok {
			return sub.mode
		}
	}
	return Tolerant
}

func (ch *Channel) feedContent(f *frame.Frame) {
	wasActive := ch.content.active()
	var lead *message
	if wasActive {
		lead = ch.content.current
	}

	msg, consumed, err := ch.content.feed(f)
	if err != nil {
		if lead == nil {
			// The lead method itself could not be parsed.
			if id, ok := f.MethodID(); ok {
				lead = &message{method: id}
			}
		}
		ch.contentFailed(lead, err)
		return
	}
	if wasActive && consumed && msg == nil && f.Type == protocol.FrameMethod {
		ch.skip(f)
		return
	}
	if msg != nil {
		ch.dispatchMessage(msg)
	}
}

func (ch *Channel) contentFailed(lead *message, err error) {
	if p := ch.pending; p != nil && p.assembling {
		ch.pending = nil
		p.reply <- result{err: err}
		return
	}

	if lead != nil && lead.method == protocol.BasicDeliver {
		if _, ok := ch.subscriptions[lead.consumerTag]; ok {
			ch.logger.Warn("subscription failed", zap.String("consumer_tag", lead.consumerTag), zap.Error(err))
			ch.endSubscription(lead.consumerTag, err)
			return
		}
	}
	ch.logger.Warn("content sequence dropped", zap.Error(err))
}

func (ch *Channel) dispatchMessage(msg *message) {
	switch msg.method {
	case protocol.BasicDeliver:
		sub, ok := ch.subscriptions[msg.consumerTag]
		if !ok {
			if requeue, gone := ch.abandoned[msg.consumerTag]; gone {
				ch.refuseDelivery(msg.consumerTag, msg.deliveryTag, requeue)
				return
			}
			ch.logger.Warn("delivery for unknown consumer",
				zap.String("consumer_tag", msg.consumerTag),
				zap.Uint64("delivery_tag", msg.deliveryTag))
			return
		}
		ch.metrics.MessageDelivered(len(msg.body))
		sub.push(ch.newDelivery(msg))

	case protocol.BasicReturn:
		ch.metrics.MessageReturned()
		ch.notifyReturn(newReturn(msg))

	case protocol.BasicGetOk:
		p := ch.pending
		if p == nil || !p.assembling {
			ch.logger.Warn("get-ok content without a pending get")
			return
		}
		ch.metrics.MessageDelivered(len(msg.body))
		ch.pending = nil
		p.reply <- result{msg: msg}
	}
}

func (ch *Channel) onServerClose(f *frame.Frame) {
	m, _ := f.ParseMethod()
	closeErr, err := closeErrorFromArgs(m.Args)
	if err != nil {
		closeErr = NewError(protocol.ReplyFrameError, err.Error(), true)
	}
	ch.logger.Warn("channel closed by server",
		zap.Int("reply_code", closeErr.Code),
		zap.String("reply_text", closeErr.Reason))

	if werr := ch.write(frame.NewMethodFrame(ch.id, protocol.ChannelCloseOk, nil)); werr != nil {
		ch.logger.Debug("close-ok not sent", zap.Error(werr))
	}

	p := ch.pending
	if p != nil && p.kind == cmdClose {
		// Both sides closed at once.
		ch.pending = nil
	} else {
		p = nil
	}
	ch.finish(closeErr, false)
	if p != nil {
		p.reply <- result{}
	}
}

func (ch *Channel) onServerCancel(f *frame.Frame) {
	m, _ := f.ParseMethod()
	r := frame.NewArgReader(m.Args)
	tag := r.ShortString()
	noWait := r.Bits(1)[0]
	if err := r.Err(); err != nil {
		ch.logger.Warn("malformed basic.cancel", zap.Error(err))
		return
	}

	ch.logger.Warn("consumer cancelled by server", zap.String("consumer_tag", tag))
	ch.endSubscription(tag, ErrConsumerCancelled)

	if !noWait {
		args, _ := frame.NewArgBuilder().ShortString(tag).Bytes()
		if err := ch.write(frame.NewMethodFrame(ch.id, protocol.BasicCancelOk, args)); err != nil {
			ch.logger.Debug("cancel-ok not sent", zap.Error(err))
		}
	}
}

func (ch *Channel) endSubscription(tag string, err error) {
	sub, ok := ch.subscriptions[tag]
	if !ok {
		return
	}
	delete(ch.subscriptions, tag)
	sub.end(err)
}

// abandonConsumer cancels a consumer the server started after its Consume
// call had already returned an error.
func (ch *Channel) abandonConsumer(sub *Subscription) {
	tag := sub.tag
	delete(ch.subscriptions, tag)
	sub.end(nil)
	for _, d := range sub.discard() {
		ch.refuseDelivery(tag, d.DeliveryTag, !sub.autoAck)
	}
	ch.abandoned[tag] = !sub.autoAck
	ch.logger.Warn("cancelling consumer abandoned by its caller", zap.String("consumer_tag", tag))

	args, _ := frame.NewArgBuilder().ShortString(tag).Bits(false).Bytes()
	if err := ch.write(frame.NewMethodFrame(ch.id, protocol.BasicCancel, args)); err != nil {
		ch.logger.Debug("basic.cancel not sent", zap.Error(err))
	}
}

// settleAbandoned swallows the cancel-ok for an abandoned consumer.
func (ch *Channel) settleAbandoned(f *frame.Frame) bool {
	m, err := f.ParseMethod()
	if err != nil {
		return false
	}
	tag := frame.NewArgReader(m.Args).ShortString()
	if _, ok := ch.abandoned[tag]; !ok {
		return false
	}
	delete(ch.abandoned, tag)
	ch.logger.Debug("abandoned consumer cancelled", zap.String("consumer_tag", tag))
	return true
}

// refuseDelivery hands a delivery nobody will read back to the server.
// Auto-acked deliveries are already settled and only logged.
func (ch *Channel) refuseDelivery(consumerTag string, deliveryTag uint64, requeue bool) {
	if !requeue {
		ch.logger.Warn("auto-acked delivery dropped",
			zap.String("consumer_tag", consumerTag),
			zap.Uint64("delivery_tag", deliveryTag))
		return
	}
	args, _ := frame.NewArgBuilder().Uint64(deliveryTag).Bits(true).Bytes()
	if err := ch.write(frame.NewMethodFrame(ch.id, protocol.BasicReject, args)); err != nil {
		ch.logger.Debug("basic.reject not sent", zap.Error(err))
		return
	}
	ch.metrics.MessageAcknowledged(AckKindReject)
}

// poison marks the channel unusable after a multi-frame sequence was cut
// short on the wire.
func (ch *Channel) poison(err error) {
	if ch.poisoned == nil {
		ch.poisoned = err
		ch.logger.Error("channel poisoned", zap.Error(err))
	}
}

// finish stops the actor. reason nil is a graceful close; fromConn means
// the connection already dropped the channel from its registry.
func (ch *Channel) finish(reason error, fromConn bool) {
	if ch.finished {
		return
	}
	ch.finished = true
	ch.state.Store(int32(ChannelStateClosed))

	failure := reason
	if failure == nil {
		failure = ErrChannelClosed
	}
	if p := ch.pending; p != nil {
		ch.pending = nil
		p.reply <- result{err: failure}
	}
	for _, cmd := range ch.commands.close() {
		cmd.reply <- result{err: failure}
	}
	ch.frames.close()
	ch.content.reset()

	graceful := reason == nil || reason == ErrClosed
	var subErr error
	if !graceful {
		subErr = reason
	}
	for tag := range ch.subscriptions {
		ch.endSubscription(tag, subErr)
	}

	ch.err = reason
	close(ch.done)

	if !fromConn {
		ch.conn.events.push(channelGone{ch: ch})
	}

	if graceful {
		ch.metrics.ChannelClosed(nil)
		ch.logger.Info("channel closed")
	} else {
		ch.metrics.ChannelClosed(reason)
		ch.logger.Warn("channel failed", zap.Error(reason))
		if !fromConn {
			ch.conn.errorHandler.HandleChannelError(ch, reason)
		}
	}

	ch.listenerMu.Lock()
	for _, l := range ch.closeListeners {
		if !graceful {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	ch.closeListeners = nil
	for _, l := range ch.returnListeners {
		close(l)
	}
	ch.returnListeners = nil
	ch.listenerMu.Unlock()
}

// call submits cmd and waits for its result. Without a deadline on ctx the
// factory's RPC timeout applies. A caller that gives up leaves the command
// in place; its reply is discarded when it arrives, except that a consumer
// started for nobody is cancelled again.
func (ch *Channel) call(ctx context.Context, cmd *command) result {
	ctx, cancel := ch.conn.factory.withRPCTimeout(ctx)
	defer cancel()

	cmd.ctx = ctx
	cmd.reply = make(chan result, 1)
	if err := ch.commands.push(cmd); err != nil {
		return result{err: ch.closedError()}
	}

	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		if cmd.settled.CompareAndSwap(false, true) {
			return result{err: ctx.Err()}
		}
		// The actor claimed the command first; its reply is on the way.
		return <-cmd.reply
	case <-ch.done:
		select {
		case r := <-cmd.reply:
			return r
		default:
			return result{err: ch.closedError()}
		}
	}
}

func (ch *Channel) closedError() error {
	select {
	case <-ch.done:
		if ch.err == nil {
			return ErrChannelClosed
		}
		return fmt.Errorf("%w: %w", ErrActorGone, ch.err)
	default:
		return ErrActorGone
	}
}

// rpc sends one method and waits for any of expect. mode decides what
// happens to unrelated frames that arrive first.
func (ch *Channel) rpc(ctx context.Context, id protocol.MethodID, args []byte, mode MatchMode, expect ...protocol.MethodID) (*frame.Method, error) {
	r := ch.call(ctx, &command{
		kind:   cmdRPC,
		frames: []*frame.Frame{frame.NewMethodFrame(ch.id, id, args)},
		expect: expect,
		mode:   mode,
	})
	return r.method, r.err
}

// send writes one method that has no reply.
func (ch *Channel) send(ctx context.Context, id protocol.MethodID, args []byte) error {
	r := ch.call(ctx, &command{
		kind:   cmdSend,
		frames: []*frame.Frame{frame.NewMethodFrame(ch.id, id, args)},
		noWait: true,
	})
	return r.err
}

// Open sends channel.open and waits for open-ok.
func (ch *Channel) Open(ctx context.Context) error {
	args, _ := frame.NewArgBuilder().ShortString("").Bytes()
	r := ch.call(ctx, &command{
		kind:   cmdOpen,
		frames: []*frame.Frame{frame.NewMethodFrame(ch.id, protocol.ChannelOpen, args)},
		expect: []protocol.MethodID{protocol.ChannelOpenOk},
		mode:   Strict,
	})
	if r.err != nil {
		return fmt.Errorf("channel open: %w", r.err)
	}
	return nil
}

// Close performs the channel.close handshake. A channel that was never
// opened is released locally.
func (ch *Channel) Close(ctx context.Context) error {
	return ch.CloseWithCode(ctx, protocol.ReplySuccess, "normal shutdown")
}

// CloseWithCode is Close with an explicit reply code and text.
func (ch *Channel) CloseWithCode(ctx context.Context, code int, text string) error {
	args, err := frame.NewArgBuilder().
		Uint16(uint16(code)).
		ShortString(text).
		Uint16(0).
		Uint16(0).
		Bytes()
	if err != nil {
		return err
	}

	r := ch.call(ctx, &command{
		kind:   cmdClose,
		frames: []*frame.Frame{frame.NewMethodFrame(ch.id, protocol.ChannelClose, args)},
		expect: []protocol.MethodID{protocol.ChannelCloseOk},
		mode:   Tolerant,
	})
	if r.err != nil && ch.IsClosed() && (ch.err == nil || ch.err == ErrClosed) {
		return nil
	}
	return r.err
}

// Qos sets the prefetch window
func (ch *Channel) Qos(ctx context.Context, prefetchCount, prefetchSize int, global bool) error {
	args, _ := frame.NewArgBuilder().
		Uint32(uint32(prefetchSize)).
		Uint16(uint16(prefetchCount)).
		Bits(global).
		Bytes()
	_, err := ch.rpc(ctx, protocol.BasicQos, args, Strict, protocol.BasicQosOk)
	return err
}

// NotifyClose registers a listener for the channel closing. It receives the
// failure, if any, and is then closed. Sends never block.
func (ch *Channel) NotifyClose(c chan error) chan error {
	ch.listenerMu.Lock()
	defer ch.listenerMu.Unlock()

	if ch.IsClosed() {
		if ch.err != nil && ch.err != ErrClosed {
			select {
			case c <- ch.err:
			default:
			}
		}
		close(c)
		return c
	}
	ch.closeListeners = append(ch.closeListeners, c)
	return c
}

// ID returns the channel number
func (ch *Channel) ID() uint16 {
	return ch.id
}

// State returns the current channel state
func (ch *Channel) State() ChannelState {
	return ChannelState(ch.state.Load())
}

// IsClosed reports whether the channel actor has stopped
func (ch *Channel) IsClosed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

// Done is closed once the channel has stopped.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Err returns why the channel stopped; nil while open or after Close.
func (ch *Channel) Err() error {
	if !ch.IsClosed() {
		return nil
	}
	return ch.err
}
