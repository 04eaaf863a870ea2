package rabbitmq

import (
	"context"
	"fmt"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// Delivery represents a message delivered to a consumer
type Delivery struct {
	// Message metadata
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	// Message content
	Properties Properties
	Body       []byte

	// Channel reference for acknowledgment
	channel *Channel
}

func (ch *Channel) newDelivery(msg *message) Delivery {
	return Delivery{
		ConsumerTag: msg.consumerTag,
		DeliveryTag: msg.deliveryTag,
		Redelivered: msg.redelivered,
		Exchange:    msg.exchange,
		RoutingKey:  msg.routingKey,
		Properties:  msg.properties,
		Body:        msg.body,
		channel:     ch,
	}
}

// Ack acknowledges this delivery
func (d *Delivery) Ack(multiple bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.BasicAck(d.DeliveryTag, multiple)
}

// Nack negatively acknowledges this delivery
func (d *Delivery) Nack(multiple, requeue bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.BasicNack(d.DeliveryTag, multiple, requeue)
}

// Reject rejects this delivery
func (d *Delivery) Reject(requeue bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.BasicReject(d.DeliveryTag, requeue)
}

// GetResponse represents a response from BasicGet (polled message)
type GetResponse struct {
	// Message metadata
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount int // Number of messages remaining in queue

	// Message content
	Properties Properties
	Body       []byte

	// Channel reference for acknowledgment
	channel *Channel
}

// Ack acknowledges this message
func (gr *GetResponse) Ack(multiple bool) error {
	if gr.channel == nil {
		return ErrChannelClosed
	}
	return gr.channel.BasicAck(gr.DeliveryTag, multiple)
}

// Nack negatively acknowledges this message
func (gr *GetResponse) Nack(multiple, requeue bool) error {
	if gr.channel == nil {
		return ErrChannelClosed
	}
	return gr.channel.BasicNack(gr.DeliveryTag, multiple, requeue)
}

// Reject rejects this message
func (gr *GetResponse) Reject(requeue bool) error {
	if gr.channel == nil {
		return ErrChannelClosed
	}
	return gr.channel.BasicReject(gr.DeliveryTag, requeue)
}

// BasicGet polls one message from queue. ok is false when the queue was
// empty. The content of a get-ok is read strictly: any other frame in its
// place fails the call with an *UnexpectedFrameError.
func (ch *Channel) BasicGet(ctx context.Context, queue string, autoAck bool) (resp *GetResponse, ok bool, err error) {
	args, err := frame.NewArgBuilder().
		Uint16(0).
		ShortString(queue).
		Bits(autoAck).
		Bytes()
	if err != nil {
		return nil, false, err
	}

	r := ch.call(ctx, &command{
		kind:   cmdGet,
		frames: []*frame.Frame{frame.NewMethodFrame(ch.id, protocol.BasicGet, args)},
		expect: []protocol.MethodID{protocol.BasicGetOk, protocol.BasicGetEmpty},
		mode:   Strict,
	})
	if r.err != nil {
		return nil, false, fmt.Errorf("basic.get %q: %w", queue, r.err)
	}
	if r.msg == nil {
		return nil, false, nil
	}

	return &GetResponse{
		DeliveryTag:  r.msg.deliveryTag,
		Redelivered:  r.msg.redelivered,
		Exchange:     r.msg.exchange,
		RoutingKey:   r.msg.routingKey,
		MessageCount: int(r.msg.messageCount),
		Properties:   r.msg.properties,
		Body:         r.msg.body,
		channel:      ch,
	}, true, nil
}

// BasicAck acknowledges a delivery
func (ch *Channel) BasicAck(deliveryTag uint64, multiple bool) error {
	args, _ := frame.NewArgBuilder().Uint64(deliveryTag).Bits(multiple).Bytes()
	return ch.acknowledge(protocol.BasicAck, args, AckKindAck)
}

// BasicNack negatively acknowledges a delivery
func (ch *Channel) BasicNack(deliveryTag uint64, multiple, requeue bool) error {
	args, _ := frame.NewArgBuilder().Uint64(deliveryTag).Bits(multiple, requeue).Bytes()
	return ch.acknowledge(protocol.BasicNack, args, AckKindNack)
}

// BasicReject rejects a delivery
func (ch *Channel) BasicReject(deliveryTag uint64, requeue bool) error {
	args, _ := frame.NewArgBuilder().Uint64(deliveryTag).Bits(requeue).Bytes()
	return ch.acknowledge(protocol.BasicReject, args, AckKindReject)
}

func (ch *Channel) acknowledge(id protocol.MethodID, args []byte, kind AckKind) error {
	if err := ch.send(context.Background(), id, args); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	ch.metrics.MessageAcknowledged(kind)
	return nil
}
