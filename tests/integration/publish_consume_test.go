//go:build integration

package integration

import (
	"bytes"
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqpr-go/rabbitmq"
)

func TestPublishConsume(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})

	sent := rabbitmq.Publishing{
		Properties: rabbitmq.Properties{
			ContentType:   "text/plain",
			Headers:       rabbitmq.Table{"x-attempt": int32(1)},
			CorrelationID: "corr-1",
			MessageID:     "msg-1",
			Timestamp:     time.Unix(1700000000, 0),
			AppID:         "integration",
		},
		Body: []byte("hello"),
	}
	require.NoError(t, ch.Publish(context.Background(), "", q.Name, false, false, sent))

	sub, err := ch.Consume(context.Background(), q.Name, "", rabbitmq.ConsumeOptions{})
	require.NoError(t, err)
	d := nextDelivery(t, sub)

	assert.Equal(t, sent.Body, d.Body)
	assert.Equal(t, q.Name, d.RoutingKey)
	assert.Equal(t, "corr-1", d.Properties.CorrelationID)
	assert.Equal(t, "msg-1", d.Properties.MessageID)
	assert.Equal(t, "integration", d.Properties.AppID)
	assert.Equal(t, int32(1), d.Properties.Headers["x-attempt"])
	assert.Equal(t, sent.Properties.Timestamp.Unix(), d.Properties.Timestamp.Unix())
	require.NoError(t, d.Ack(false))

	require.NoError(t, sub.Cancel(context.Background()))
	_, ok := <-sub.Deliveries()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())
}

func TestLargeMessageSpansFrames(t *testing.T) {
	conn := connect(t, rabbitmq.WithFrameMax(4096))
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})

	body := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	require.NoError(t, ch.Publish(context.Background(), "", q.Name, false, false, rabbitmq.Publishing{Body: body}))

	sub, err := ch.Consume(context.Background(), q.Name, "", rabbitmq.ConsumeOptions{AutoAck: true, Mode: rabbitmq.Strict})
	require.NoError(t, err)
	d := nextDelivery(t, sub)
	assert.Equal(t, len(body), len(d.Body))
	assert.True(t, bytes.Equal(body, d.Body))
}

func TestPeerSeesPublishedMessages(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})
	p := peer(t)

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, ch.Publish(context.Background(), "", q.Name, false, false, rabbitmq.Publishing{
			Properties: rabbitmq.PersistentBasic,
			Body:       []byte(body),
		}))
	}

	for _, want := range []string{"one", "two", "three"} {
		var msg amqp.Delivery
		require.Eventually(t, func() bool {
			var ok bool
			var err error
			msg, ok, err = p.Get(q.Name, true)
			return err == nil && ok
		}, waitTimeout, 20*time.Millisecond)
		assert.Equal(t, want, string(msg.Body))
		assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
		assert.Equal(t, "application/octet-stream", msg.ContentType)
	}
}

func TestConsumeFromPeer(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})
	require.NoError(t, ch.Qos(context.Background(), 1, 0, false))

	sub, err := ch.Consume(context.Background(), q.Name, "", rabbitmq.ConsumeOptions{})
	require.NoError(t, err)

	p := peer(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, p.PublishWithContext(ctx, "", q.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Priority:    3,
		Body:        []byte(`{"id":1}`),
	}))

	d := nextDelivery(t, sub)
	assert.Equal(t, "application/json", d.Properties.ContentType)
	assert.Equal(t, uint8(3), d.Properties.Priority)
	assert.JSONEq(t, `{"id":1}`, string(d.Body))
	require.NoError(t, d.Ack(false))
}

func TestNackRequeueRedelivers(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})
	require.NoError(t, ch.Publish(context.Background(), "", q.Name, false, false, rabbitmq.Publishing{Body: []byte("retry me")}))

	sub, err := ch.Consume(context.Background(), q.Name, "", rabbitmq.ConsumeOptions{})
	require.NoError(t, err)

	first := nextDelivery(t, sub)
	assert.False(t, first.Redelivered)
	require.NoError(t, first.Nack(false, true))

	second := nextDelivery(t, sub)
	assert.True(t, second.Redelivered)
	assert.Equal(t, first.Body, second.Body)
	require.NoError(t, second.Ack(false))
}

func TestBasicGet(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})
	ctx := context.Background()

	_, ok, err := ch.BasicGet(ctx, q.Name, false)
	require.NoError(t, err)
	assert.False(t, ok, "queue starts empty")

	for _, body := range []string{"a", "b"} {
		require.NoError(t, ch.Publish(ctx, "", q.Name, false, false, rabbitmq.Publishing{Body: []byte(body)}))
	}

	var resp *rabbitmq.GetResponse
	require.Eventually(t, func() bool {
		resp, ok, err = ch.BasicGet(ctx, q.Name, false)
		return err == nil && ok
	}, waitTimeout, 20*time.Millisecond)
	assert.Equal(t, "a", string(resp.Body))
	assert.Equal(t, 1, resp.MessageCount)
	require.NoError(t, resp.Ack(false))

	resp, ok, err = ch.BasicGet(ctx, q.Name, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", string(resp.Body))
}

func TestMandatoryPublishIsReturned(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	returns := ch.NotifyReturn(make(chan rabbitmq.Return, 1))

	key := uniqueName(t, "nowhere")
	require.NoError(t, ch.Publish(context.Background(), "", key, true, false, rabbitmq.Publishing{Body: []byte("lost")}))

	select {
	case ret := <-returns:
		assert.Equal(t, uint16(312), ret.ReplyCode)
		assert.Equal(t, "NO_ROUTE", ret.ReplyText)
		assert.Equal(t, key, ret.RoutingKey)
		assert.Equal(t, []byte("lost"), ret.Body)
	case <-time.After(waitTimeout):
		t.Fatal("no basic.return received")
	}
}

func TestServerCancelEndsSubscription(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})

	sub, err := ch.Consume(context.Background(), q.Name, "", rabbitmq.ConsumeOptions{})
	require.NoError(t, err)

	// Deleting a consumed queue makes the server send basic.cancel.
	_, err = peer(t).QueueDelete(q.Name, false, false, false)
	require.NoError(t, err)

	select {
	case _, ok := <-sub.Deliveries():
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("subscription still active")
	}
	assert.ErrorIs(t, sub.Err(), rabbitmq.ErrConsumerCancelled)
	assert.Equal(t, rabbitmq.ChannelStateOpen, ch.State())
}
