package rabbitmq

import (
	"context"
	"fmt"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// Exchange kinds
const (
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeTopic   = "topic"
	ExchangeHeaders = "headers"
)

// ExchangeDeclareOptions configures exchange declaration
type ExchangeDeclareOptions struct {
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       Table
}

// QueueDeclareOptions configures queue declaration
type QueueDeclareOptions struct {
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Args       Table
}

// QueueBindOptions configures queue binding
type QueueBindOptions struct {
	NoWait bool
	Args   Table
}

// Queue is what queue.declare-ok reports. With NoWait only Name is set.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// declare sends a method that either waits strictly for reply or, with
// noWait, returns once the frame has been written.
func (ch *Channel) declare(ctx context.Context, id protocol.MethodID, args []byte, noWait bool, reply protocol.MethodID) (*frame.Method, error) {
	if noWait {
		return nil, ch.send(ctx, id, args)
	}
	return ch.rpc(ctx, id, args, Strict, reply)
}

// ExchangeDeclare declares an exchange. An empty kind declares a fanout
// exchange.
func (ch *Channel) ExchangeDeclare(ctx context.Context, name, kind string, opts ExchangeDeclareOptions) error {
	if kind == "" {
		kind = ExchangeFanout
	}
	args, err := frame.NewArgBuilder().
		Uint16(0).
		ShortString(name).
		ShortString(kind).
		Bits(opts.Passive, opts.Durable, opts.AutoDelete, opts.Internal, opts.NoWait).
		Table(opts.Args).
		Bytes()
	if err != nil {
		return fmt.Errorf("exchange.declare %q: %w", name, err)
	}

	if _, err := ch.declare(ctx, protocol.ExchangeDeclare, args, opts.NoWait, protocol.ExchangeDeclareOk); err != nil {
		return fmt.Errorf("exchange.declare %q: %w", name, err)
	}
	return nil
}

// QueueDeclare declares a queue. An empty name asks the server to generate
// one, which is returned in Queue.Name.
func (ch *Channel) QueueDeclare(ctx context.Context, name string, opts QueueDeclareOptions) (Queue, error) {
	args, err := frame.NewArgBuilder().
		Uint16(0).
		ShortString(name).
		Bits(opts.Passive, opts.Durable, opts.Exclusive, opts.AutoDelete, opts.NoWait).
		Table(opts.Args).
		Bytes()
	if err != nil {
		return Queue{}, fmt.Errorf("queue.declare %q: %w", name, err)
	}

	m, err := ch.declare(ctx, protocol.QueueDeclare, args, opts.NoWait, protocol.QueueDeclareOk)
	if err != nil {
		return Queue{}, fmt.Errorf("queue.declare %q: %w", name, err)
	}
	if m == nil {
		return Queue{Name: name}, nil
	}

	r := frame.NewArgReader(m.Args)
	q := Queue{
		Name:      r.ShortString(),
		Messages:  int(r.Uint32()),
		Consumers: int(r.Uint32()),
	}
	if err := r.Err(); err != nil {
		return Queue{}, fmt.Errorf("queue.declare-ok: %w", err)
	}
	return q, nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(ctx context.Context, name, exchange, routingKey string, opts QueueBindOptions) error {
	args, err := frame.NewArgBuilder().
		Uint16(0).
		ShortString(name).
		ShortString(exchange).
		ShortString(routingKey).
		Bits(opts.NoWait).
		Table(opts.Args).
		Bytes()
	if err != nil {
		return fmt.Errorf("queue.bind %q: %w", name, err)
	}

	if _, err := ch.declare(ctx, protocol.QueueBind, args, opts.NoWait, protocol.QueueBindOk); err != nil {
		return fmt.Errorf("queue.bind %q to %q: %w", name, exchange, err)
	}
	return nil
}
