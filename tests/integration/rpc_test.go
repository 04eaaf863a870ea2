//go:build integration

package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqpr-go/rabbitmq"
)

// servePeerRPC answers requests on queue with the uppercased body, using the
// independent client as the server side.
func servePeerRPC(t *testing.T, queue string) {
	t.Helper()
	p := peer(t)
	requests, err := p.Consume(queue, "", false, false, false, false, nil)
	require.NoError(t, err)

	go func() {
		for req := range requests {
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			p.PublishWithContext(ctx, "", req.ReplyTo, false, false, amqp.Publishing{
				CorrelationId: req.CorrelationId,
				Body:          []byte(strings.ToUpper(string(req.Body))),
			})
			cancel()
			req.Ack(false)
		}
	}()
}

func TestRpcClientAgainstPeerServer(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})
	servePeerRPC(t, q.Name)

	client, err := rabbitmq.NewRpcClient(context.Background(), ch)
	require.NoError(t, err)
	defer client.Close(context.Background())
	assert.True(t, strings.HasPrefix(client.ReplyQueue(), "amq.gen-"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			body := fmt.Sprintf("request-%d", i)
			reply, err := client.Call(ctx, "", q.Name, rabbitmq.Publishing{Body: []byte(body)})
			if assert.NoError(t, err) {
				assert.Equal(t, strings.ToUpper(body), string(reply.Body))
			}
		}(i)
	}
	wg.Wait()
}

func TestRpcCallTimesOutWithoutServer(t *testing.T) {
	conn := connect(t)
	ch := openChannel(t, conn)
	q := declareQueue(t, ch, rabbitmq.QueueDeclareOptions{})

	client, err := rabbitmq.NewRpcClient(context.Background(), ch)
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, "", q.Name, rabbitmq.Publishing{Body: []byte("anyone?")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
