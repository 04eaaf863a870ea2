package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrRPCClientClosed is returned by Call after Close or once the reply
// subscription has ended.
var ErrRPCClientClosed = errors.New("amqp: rpc client closed")

// RpcClient implements request/reply over a private reply queue, matching
// replies to calls by correlation id.
type RpcClient struct {
	channel    *Channel
	replyQueue string
	sub        *Subscription

	mu      sync.Mutex
	pending map[string]chan Delivery

	closed         atomic.Bool
	closeChan      chan struct{}
	dispatchDone   chan struct{}
	correlationSeq atomic.Uint64
}

// NewRpcClient declares a server-named reply queue on ch and consumes it.
func NewRpcClient(ctx context.Context, ch *Channel) (*RpcClient, error) {
	q, err := ch.QueueDeclare(ctx, "", QueueDeclareOptions{AutoDelete: true})
	if err != nil {
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}

	sub, err := ch.Consume(ctx, q.Name, "", ConsumeOptions{AutoAck: true})
	if err != nil {
		return nil, fmt.Errorf("failed to consume reply queue: %w", err)
	}

	client := &RpcClient{
		channel:      ch,
		replyQueue:   q.Name,
		sub:          sub,
		pending:      make(map[string]chan Delivery),
		closeChan:    make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go client.dispatchReplies()
	return client, nil
}

// ReplyQueue returns the name of the reply queue
func (c *RpcClient) ReplyQueue() string {
	return c.replyQueue
}

// Call publishes msg with ReplyTo and CorrelationID set and waits for the
// matching reply.
func (c *RpcClient) Call(ctx context.Context, exchange, routingKey string, msg Publishing) (Delivery, error) {
	if c.closed.Load() {
		return Delivery{}, ErrRPCClientClosed
	}

	correlationID := fmt.Sprintf("%s-%d", c.replyQueue, c.correlationSeq.Add(1))
	replyChan := make(chan Delivery, 1)

	c.mu.Lock()
	c.pending[correlationID] = replyChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	msg.Properties.ReplyTo = c.replyQueue
	msg.Properties.CorrelationID = correlationID
	if err := c.channel.Publish(ctx, exchange, routingKey, false, false, msg); err != nil {
		return Delivery{}, fmt.Errorf("failed to publish RPC request: %w", err)
	}

	select {
	case reply := <-replyChan:
		return reply, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-c.closeChan:
		return Delivery{}, ErrRPCClientClosed
	case <-c.dispatchDone:
		return Delivery{}, ErrRPCClientClosed
	}
}

// dispatchReplies routes incoming replies to the correct pending request
func (c *RpcClient) dispatchReplies() {
	defer close(c.dispatchDone)

	for d := range c.sub.Deliveries() {
		id := d.Properties.CorrelationID
		if id == "" {
			continue
		}

		c.mu.Lock()
		replyChan, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			continue
		}

		// The reply queue is auto-ack; drop the channel so nobody acks it.
		d.channel = nil
		select {
		case replyChan <- d:
		default:
		}
	}
}

// Close cancels the reply consumer. Calls still waiting return
// ErrRPCClientClosed.
func (c *RpcClient) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeChan)
	// Replies still queued have no caller left.
	defer c.sub.Discard()

	if err := c.sub.Cancel(ctx); err != nil {
		return err
	}
	select {
	case <-c.dispatchDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
