package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// ConsumeOptions configures consumer behavior
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table

	// Mode decides what happens when a delivery's content frames arrive out
	// of order. Tolerant, the default, skips stray frames; Strict ends the
	// subscription with an *UnexpectedFrameError.
	Mode MatchMode
}

var consumerSeq atomic.Uint64

// generateConsumerTag generates a unique consumer tag
func generateConsumerTag(queue string, channelID uint16) string {
	return fmt.Sprintf("ctag-%s-%d-%d", queue, channelID, consumerSeq.Add(1))
}

// Subscription is the stream of deliveries for one consumer. The channel
// actor pushes into an unbounded queue, so a slow reader never stalls
// other traffic on the connection.
type Subscription struct {
	ch    *Channel
	tag   string
	queue   string
	mode    MatchMode
	autoAck bool

	inbox *mailbox[Delivery]
	out   chan Delivery

	endOnce sync.Once
	ended   chan struct{}
	err     error // set before ended is closed

	discardOnce sync.Once
	discarded   chan struct{}
}

func newSubscription(ch *Channel, queue, tag string, mode MatchMode) *Subscription {
	s := &Subscription{
		ch:    ch,
		tag:   tag,
		queue: queue,
		mode:  mode,
		inbox: newMailbox[Delivery](),
		out:   make(chan Delivery),
		ended: make(chan struct{}),

		discarded: make(chan struct{}),
	}
	go s.pump()
	return s
}

// push is called only by the channel actor.
func (s *Subscription) push(d Delivery) {
	s.inbox.push(d)
}

// end stops the subscription once queued deliveries have been handed out.
func (s *Subscription) end(err error) {
	s.endOnce.Do(func() {
		s.err = err
		close(s.ended)
	})
}

// discard stops the pump and returns the deliveries it had not handed out.
func (s *Subscription) discard() []Delivery {
	s.discardOnce.Do(func() { close(s.discarded) })
	return s.inbox.close()
}

// pump hands deliveries to the reader. It gives up once the subscription is
// discarded or the channel has closed, so an abandoned stream does not pin
// the goroutine.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		if d, ok := s.inbox.pop(); ok {
			if !s.handOut(d) {
				return
			}
			continue
		}
		select {
		case <-s.inbox.ready():
		case <-s.ended:
			for _, d := range s.inbox.close() {
				if !s.handOut(d) {
					return
				}
			}
			return
		case <-s.discarded:
			return
		}
	}
}

// handOut blocks until the reader takes d. A stopped pump never offers d
// to a reader that shows up late.
func (s *Subscription) handOut(d Delivery) bool {
	select {
	case <-s.discarded:
	case <-s.ch.done:
	default:
		select {
		case s.out <- d:
			return true
		case <-s.discarded:
		case <-s.ch.done:
		}
	}
	s.inbox.close()
	return false
}

// Deliveries returns the delivery stream. It is closed when the
// subscription ends; Err then tells why. After Cancel, read it until it
// closes or call Discard. Deliveries still unread when the channel closes
// are dropped, since they can no longer be acknowledged.
func (s *Subscription) Deliveries() <-chan Delivery {
	return s.out
}

// Next waits for the next delivery.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	select {
	case d, ok := <-s.out:
		if !ok {
			if err := s.Err(); err != nil {
				return Delivery{}, err
			}
			return Delivery{}, ErrSubscriptionClosed
		}
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Err returns why the subscription ended; nil while active or after a
// cancel or graceful channel close.
func (s *Subscription) Err() error {
	select {
	case <-s.ended:
		return s.err
	default:
		return nil
	}
}

// Tag returns the consumer tag
func (s *Subscription) Tag() string {
	return s.tag
}

// Queue returns the consumed queue name
func (s *Subscription) Queue() string {
	return s.queue
}

// Discard closes the delivery stream without handing out what is still
// queued. It does not cancel the consumer on the server.
func (s *Subscription) Discard() {
	s.discard()
}

// Cancel stops the consumer with basic.cancel and waits for cancel-ok.
// Deliveries already received are still handed out.
func (s *Subscription) Cancel(ctx context.Context) error {
	return s.ch.BasicCancel(ctx, s.tag, false)
}

// Consume starts a consumer on queue. An empty consumerTag is generated
// client-side so deliveries can be routed before consume-ok arrives.
func (ch *Channel) Consume(ctx context.Context, queue, consumerTag string, opts ConsumeOptions) (*Subscription, error) {
	if consumerTag == "" {
		consumerTag = generateConsumerTag(queue, ch.id)
	}

	args, err := frame.NewArgBuilder().
		Uint16(0).
		ShortString(queue).
		ShortString(consumerTag).
		Bits(opts.NoLocal, opts.AutoAck, opts.Exclusive, opts.NoWait).
		Table(opts.Args).
		Bytes()
	if err != nil {
		return nil, fmt.Errorf("basic.consume %q: %w", queue, err)
	}

	sub := newSubscription(ch, queue, consumerTag, opts.Mode)
	sub.autoAck = opts.AutoAck
	r := ch.call(ctx, &command{
		kind:   cmdConsume,
		frames: []*frame.Frame{frame.NewMethodFrame(ch.id, protocol.BasicConsume, args)},
		expect: []protocol.MethodID{protocol.BasicConsumeOk},
		mode:   Tolerant,
		noWait: opts.NoWait,
		sub:    sub,
	})
	if r.err != nil {
		sub.end(r.err)
		return nil, fmt.Errorf("basic.consume %q: %w", queue, r.err)
	}
	return sub, nil
}

// BasicCancel cancels a consumer. Its subscription ends without error.
func (ch *Channel) BasicCancel(ctx context.Context, consumerTag string, noWait bool) error {
	args, err := frame.NewArgBuilder().
		ShortString(consumerTag).
		Bits(noWait).
		Bytes()
	if err != nil {
		return err
	}

	r := ch.call(ctx, &command{
		kind:   cmdCancel,
		frames: []*frame.Frame{frame.NewMethodFrame(ch.id, protocol.BasicCancel, args)},
		expect: []protocol.MethodID{protocol.BasicCancelOk},
		mode:   Tolerant,
		noWait: noWait,
		tag:    consumerTag,
	})
	if r.err != nil {
		return fmt.Errorf("basic.cancel %q: %w", consumerTag, r.err)
	}
	return nil
}
