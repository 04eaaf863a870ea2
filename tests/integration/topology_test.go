//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqpr-go/rabbitmq"
)

func TestTopicRouting(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	ctx := context.Background()
	exchange := declareExchange(t, ch, rabbitmq.ExchangeTopic)

	critical := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})
	everything := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})
	require.NoError(t, ch.QueueBind(ctx, critical.Name, exchange, "*.critical", rabbitmq.QueueBindOptions{}))
	require.NoError(t, ch.QueueBind(ctx, everything.Name, exchange, "#", rabbitmq.QueueBindOptions{}))

	for _, key := range []string{"kern.critical", "auth.info"} {
		require.NoError(t, ch.Publish(ctx, exchange, key, false, false, rabbitmq.Publishing{Body: []byte(key)}))
	}

	subCritical, err := ch.Consume(ctx, critical.Name, "", rabbitmq.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)
	subAll, err := ch.Consume(ctx, everything.Name, "", rabbitmq.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)

	assert.Equal(t, "kern.critical", nextDelivery(t, subCritical).RoutingKey)
	got := []string{nextDelivery(t, subAll).RoutingKey, nextDelivery(t, subAll).RoutingKey}
	assert.ElementsMatch(t, []string{"kern.critical", "auth.info"}, got)

	select {
	case d := <-subCritical.Deliveries():
		t.Fatalf("unexpected delivery %q", d.RoutingKey)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFanoutWithServerNamedQueues(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	ctx := context.Background()
	exchange := declareExchange(t, ch, rabbitmq.ExchangeFanout)

	var subs []*rabbitmq.Subscription
	for i := 0; i < 3; i++ {
		q, err := ch.QueueDeclare(ctx, "", rabbitmq.QueueDeclareOptions{Exclusive: true})
		require.NoError(t, err)
		assert.Contains(t, q.Name, "amq.gen-")
		require.NoError(t, ch.QueueBind(ctx, q.Name, exchange, "", rabbitmq.QueueBindOptions{}))

		sub, err := ch.Consume(ctx, q.Name, "", rabbitmq.ConsumeOptions{AutoAck: true})
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	require.NoError(t, ch.Publish(ctx, exchange, "ignored", false, false, rabbitmq.Publishing{Body: []byte("broadcast")}))
	for _, sub := range subs {
		assert.Equal(t, "broadcast", string(nextDelivery(t, sub).Body))
	}
}

func TestNoWaitDeclarations(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	ctx := context.Background()

	name := uniqueName(t, "queue")
	q, err := ch.QueueDeclare(ctx, name, rabbitmq.QueueDeclareOptions{NoWait: true})
	require.NoError(t, err)
	assert.Equal(t, name, q.Name)
	p := peer(t)
	t.Cleanup(func() { p.QueueDelete(name, false, false, false) })

	// A waiting call after the no-wait one proves the server accepted it.
	passive, err := ch.QueueDeclare(ctx, name, rabbitmq.QueueDeclareOptions{Passive: true})
	require.NoError(t, err)
	assert.Equal(t, 0, passive.Messages)
}

func TestRedeclareWithDifferentArgsClosesChannel(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})

	_, err := ch.QueueDeclare(context.Background(), q.Name, rabbitmq.QueueDeclareOptions{Durable: true})
	var amqpErr *rabbitmq.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, 406, amqpErr.Code)
	assert.True(t, ch.IsClosed())
}
