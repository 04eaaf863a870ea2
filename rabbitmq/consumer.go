package rabbitmq

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ConsumerCallback is a callback-based consumer. Callbacks run on one
// goroutine per consumer, in delivery order.
type ConsumerCallback interface {
	HandleConsumeOk(consumerTag string)
	HandleDelivery(consumerTag string, delivery Delivery) error
	// HandleCancel is called when the server cancels the consumer.
	HandleCancel(consumerTag string)
	// HandleShutdown is called once when the subscription ends for any
	// other reason; cause is nil after a client cancel or graceful close.
	HandleShutdown(consumerTag string, cause error)
}

// DefaultConsumer provides default no-op implementations of ConsumerCallback
type DefaultConsumer struct{}

// HandleConsumeOk is called when the consumer is successfully registered
func (dc *DefaultConsumer) HandleConsumeOk(consumerTag string) {}

// HandleDelivery is called when a message is delivered
func (dc *DefaultConsumer) HandleDelivery(consumerTag string, delivery Delivery) error {
	return nil
}

// HandleCancel is called when the server cancels the consumer
func (dc *DefaultConsumer) HandleCancel(consumerTag string) {}

// HandleShutdown is called when the subscription ends
func (dc *DefaultConsumer) HandleShutdown(consumerTag string, cause error) {}

// DeliveryHandlerFunc is a function-based delivery handler
type DeliveryHandlerFunc func(consumerTag string, delivery Delivery) error

// ConsumeWithCallback starts a consumer and feeds its deliveries to callback.
// A HandleDelivery error is logged; with manual acks the delivery is
// rejected and requeued. The returned Subscription cancels the consumer.
func (ch *Channel) ConsumeWithCallback(ctx context.Context, queue, consumerTag string, opts ConsumeOptions, callback ConsumerCallback) (*Subscription, error) {
	sub, err := ch.Consume(ctx, queue, consumerTag, opts)
	if err != nil {
		return nil, err
	}
	callback.HandleConsumeOk(sub.Tag())

	go func() {
		for d := range sub.Deliveries() {
			if err := callback.HandleDelivery(sub.Tag(), d); err != nil {
				ch.logger.Warn("consumer callback failed",
					zap.String("consumer_tag", sub.Tag()),
					zap.Uint64("delivery_tag", d.DeliveryTag),
					zap.Error(err))
				if !opts.AutoAck {
					d.Reject(true)
				}
			}
		}

		cause := sub.Err()
		if errors.Is(cause, ErrConsumerCancelled) {
			callback.HandleCancel(sub.Tag())
			return
		}
		callback.HandleShutdown(sub.Tag(), cause)
	}()
	return sub, nil
}

// ConsumeWithHandler starts a consumer with a simple function handler
func (ch *Channel) ConsumeWithHandler(ctx context.Context, queue, consumerTag string, opts ConsumeOptions, handler DeliveryHandlerFunc) (*Subscription, error) {
	return ch.ConsumeWithCallback(ctx, queue, consumerTag, opts, &handlerConsumer{handler: handler})
}

// handlerConsumer wraps a DeliveryHandlerFunc
type handlerConsumer struct {
	DefaultConsumer
	handler DeliveryHandlerFunc
}

// HandleDelivery delegates to the handler function
func (hc *handlerConsumer) HandleDelivery(consumerTag string, delivery Delivery) error {
	return hc.handler(consumerTag, delivery)
}
