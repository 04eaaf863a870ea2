package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
	"github.com/israelio/amqpr-go/rabbitmq/rabbitmqtest"
)

const waitTimeout = 2 * time.Second

func newTestFactory(t *testing.T, opts ...FactoryOption) *ConnectionFactory {
	t.Helper()
	base := []FactoryOption{
		WithHeartbeat(0),
		WithRPCTimeout(waitTimeout),
		WithHandshakeTimeout(waitTimeout),
	}
	return NewConnectionFactory(append(base, opts...)...)
}

// openTestConnection completes a handshake against a scripted server.
func openTestConnection(t *testing.T, opts ...FactoryOption) (*Connection, *rabbitmqtest.Server) {
	t.Helper()
	return openTestConnectionTuned(t, rabbitmqtest.Tune{}, opts...)
}

func openTestConnectionTuned(t *testing.T, tune rabbitmqtest.Tune, opts ...FactoryOption) (*Connection, *rabbitmqtest.Server) {
	t.Helper()
	client, server := rabbitmqtest.NewPipe(t)
	cf := newTestFactory(t, opts...)

	type opened struct {
		conn *Connection
		err  error
	}
	done := make(chan opened, 1)
	go func() {
		c, err := cf.open(context.Background(), client)
		done <- opened{c, err}
	}()

	server.Handshake(tune)
	res := <-done
	require.NoError(t, res.err)

	t.Cleanup(func() {
		res.conn.dispatcher.stop()
		<-res.conn.Done()
	})
	return res.conn, server
}

// openTestChannel opens channel id with the server answering open-ok.
func openTestChannel(t *testing.T, conn *Connection, server *rabbitmqtest.Server, id uint16) *Channel {
	t.Helper()
	ch, err := conn.LocalChannel(context.Background(), id)
	require.NoError(t, err)

	errs := async(func() error { return ch.Open(context.Background()) })
	server.OpenChannel(id)
	require.NoError(t, waitErr(t, errs))
	require.Equal(t, ChannelStateOpen, ch.State())
	return ch
}

// async runs fn on its own goroutine and reports its result.
func async(fn func() error) <-chan error {
	errs := make(chan error, 1)
	go func() { errs <- fn() }()
	return errs
}

func waitErr(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the call to return")
		return nil
	}
}

// requirePending asserts a call has not returned yet.
func requirePending(t *testing.T, errs <-chan error) {
	t.Helper()
	select {
	case err := <-errs:
		t.Fatalf("call returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func args(t *testing.T, b *frame.ArgBuilder) []byte {
	t.Helper()
	out, err := b.Bytes()
	require.NoError(t, err)
	return out
}

func methodOf(t *testing.T, f *frame.Frame, id protocol.MethodID) *frame.Method {
	t.Helper()
	require.True(t, f.IsMethod(id), "expected %s, got %s", id, f)
	m, err := f.ParseMethod()
	require.NoError(t, err)
	return m
}

// encodedProps encodes properties for scripted content headers.
func encodedProps(t *testing.T, p Properties) []byte {
	t.Helper()
	out, err := EncodeProperties(p)
	require.NoError(t, err)
	return out
}
