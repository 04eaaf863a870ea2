package rabbitmq

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFactoryDefaults(t *testing.T) {
	cf := NewConnectionFactory()
	require.NoError(t, cf.Validate())

	assert.Equal(t, "localhost", cf.Host)
	assert.Equal(t, 5672, cf.Port)
	assert.Equal(t, "/", cf.VHost)
	assert.Equal(t, "en_US", cf.Locale)
	assert.Equal(t, 30*time.Second, cf.RPCTimeout)
	assert.Equal(t, 256, cf.OutboundQueueSize)
	assert.Equal(t, "amqpr-go", cf.ClientProperties["product"])
	assert.Equal(t, ClientVersion, cf.ClientProperties["version"])
}

func TestFactoryValidate(t *testing.T) {
	tests := []struct {
		name    string
		opt     FactoryOption
		wantErr string
	}{
		{"empty host", WithHost(""), "host cannot be empty"},
		{"port zero", WithPort(0), "port must be between"},
		{"port too large", WithPort(70000), "port must be between"},
		{"empty vhost", WithVHost(""), "vhost cannot be empty"},
		{"empty username", WithCredentials("", "pw"), "username cannot be empty"},
		{"negative rpc timeout", WithRPCTimeout(-time.Second), "rpc timeout cannot be negative"},
		{"sub-second heartbeat", WithHeartbeat(500 * time.Millisecond), "at least 1s"},
		{"tiny frame max", WithFrameMax(512), "frame max must be 0 or >="},
		{"negative dial retries", WithDialRetries(-1), "dial retries cannot be negative"},
		{"negative outbound queue", WithOutboundQueueSize(-1), "outbound queue size cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewConnectionFactory(tt.opt).Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.NoError(t, NewConnectionFactory(WithFrameMax(0), WithHeartbeat(0)).Validate())
}

func TestWithRPCTimeoutKeepsCallerDeadline(t *testing.T) {
	cf := NewConnectionFactory(WithRPCTimeout(time.Hour))

	ctx, cancel := cf.withRPCTimeout(context.Background())
	deadline, ok := ctx.Deadline()
	cancel()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), deadline, time.Minute)

	parent, cancelParent := context.WithTimeout(context.Background(), time.Second)
	defer cancelParent()
	want, _ := parent.Deadline()
	ctx, cancel = cf.withRPCTimeout(parent)
	defer cancel()
	got, _ := ctx.Deadline()
	assert.Equal(t, want, got)
}

func TestDialRetriesWithBackoff(t *testing.T) {
	// Reserve a port and release it so every dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	core, logs := observer.New(zap.WarnLevel)
	cf := NewConnectionFactory(
		WithHost("127.0.0.1"),
		WithPort(port),
		WithDialRetries(2),
		WithConnectionTimeout(time.Second),
		WithLogger(zap.New(core)),
	)
	cf.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	_, err = cf.NewConnection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial failed")
	assert.Equal(t, 2, logs.FilterMessage("dial failed, retrying").Len())
}

func TestDialSucceedsFirstTry(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		if c, err := l.Accept(); err == nil {
			c.Close()
		}
	}()

	cf := NewConnectionFactory(WithHost("127.0.0.1"), WithPort(l.Addr().(*net.TCPAddr).Port))
	c, err := cf.dialWithRetry(context.Background())
	require.NoError(t, err)
	c.Close()
}

func TestDialRejectsBadURI(t *testing.T) {
	_, err := Dial(context.Background(), "amqps://rabbit/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amqps")
}
