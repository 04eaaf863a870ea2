package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// ClientVersion is reported to the server in the client properties.
const ClientVersion = "0.1.0"

// DefaultMaxBodySize matches the largest message RabbitMQ accepts.
const DefaultMaxBodySize = 512 << 20

// SecureResponder answers a connection.secure challenge.
type SecureResponder func(challenge []byte) ([]byte, error)

// ConnectionFactory creates and configures AMQP connections
type ConnectionFactory struct {
	// Connection settings
	Host     string
	Port     int
	VHost    string
	Username string
	Password string
	Locale   string

	// Timeouts
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	RPCTimeout        time.Duration

	// Requested tuning; the lower non-zero of these and the server's wins
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  time.Duration

	// MaxBodySize bounds the body a content header may announce. Zero
	// accepts anything that fits in memory.
	MaxBodySize uint64

	DialRetries       int
	OutboundQueueSize int
	DetectContentType bool

	// Client properties sent to server
	ClientProperties Table

	SecureResponder SecureResponder
	ErrorHandler    ErrorHandler
	Logger          *zap.Logger
	Metrics         MetricsCollector

	// newBackOff is replaced in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewConnectionFactory creates a new ConnectionFactory with sensible defaults
func NewConnectionFactory(opts ...FactoryOption) *ConnectionFactory {
	cf := &ConnectionFactory{
		Host:              "localhost",
		Port:              5672,
		VHost:             "/",
		Username:          "guest",
		Password:          "guest",
		Locale:            "en_US",
		ConnectionTimeout: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		RPCTimeout:        30 * time.Second,
		Heartbeat:         60 * time.Second,
		ChannelMax:        protocol.DefaultChannelMax,
		FrameMax:          protocol.DefaultFrameMax,
		MaxBodySize:       DefaultMaxBodySize,
		DialRetries:       3,
		OutboundQueueSize: 256,
		ClientProperties:  defaultClientProperties(),
	}

	for _, opt := range opts {
		opt(cf)
	}
	return cf
}

// NewConnection dials the broker, runs the handshake and starts the
// connection's actors.
func (cf *ConnectionFactory) NewConnection(ctx context.Context) (*Connection, error) {
	if err := cf.Validate(); err != nil {
		return nil, err
	}

	netConn, err := cf.dialWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	conn, err := cf.open(ctx, frame.NewConn(netConn))
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return conn, nil
}

// Dial is a shortcut for ParseURI followed by NewConnection.
func Dial(ctx context.Context, uri string, opts ...FactoryOption) (*Connection, error) {
	cf, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cf)
	}
	return cf.NewConnection(ctx)
}

// dialWithRetry dials TCP, retrying with exponential backoff up to
// DialRetries extra attempts. It is only used for the initial connect.
func (cf *ConnectionFactory) dialWithRetry(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(cf.Host, fmt.Sprint(cf.Port))
	dialer := &net.Dialer{Timeout: cf.ConnectionTimeout}
	logger := cf.logger()

	newBackOff := cf.newBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(cf.DialRetries)), ctx)

	return backoff.RetryNotifyWithData(func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("dial failed, retrying",
			zap.String("addr", addr),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

// open runs the handshake over an established transport and starts the
// dispatcher, the connection actor and the heartbeat scheduler.
func (cf *ConnectionFactory) open(ctx context.Context, t frame.Transport) (*Connection, error) {
	logger := cf.logger()

	hs := newHandshake(t, cf)
	tuned, err := hs.run(ctx)
	if err != nil {
		logger.Warn("handshake failed", zap.Error(err))
		return nil, err
	}

	conn := newConnection(cf, t, tuned)
	conn.start()

	logger.Info("connection open",
		zap.String("vhost", cf.VHost),
		zap.Uint16("channel_max", tuned.channelMax),
		zap.Uint32("frame_max", tuned.frameMax),
		zap.Duration("heartbeat", tuned.heartbeat))
	return conn, nil
}

// Validate validates the ConnectionFactory configuration
func (cf *ConnectionFactory) Validate() error {
	if cf.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if cf.Port <= 0 || cf.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cf.Port)
	}
	if cf.VHost == "" {
		return fmt.Errorf("vhost cannot be empty")
	}
	if cf.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if cf.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout cannot be negative, got %v", cf.ConnectionTimeout)
	}
	if cf.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout cannot be negative, got %v", cf.HandshakeTimeout)
	}
	if cf.RPCTimeout < 0 {
		return fmt.Errorf("rpc timeout cannot be negative, got %v", cf.RPCTimeout)
	}
	if cf.Heartbeat < 0 {
		return fmt.Errorf("heartbeat cannot be negative, got %v", cf.Heartbeat)
	}
	if cf.Heartbeat > 0 && cf.Heartbeat < time.Second {
		return fmt.Errorf("heartbeat must be 0 or at least 1s, got %v", cf.Heartbeat)
	}
	if cf.FrameMax != 0 && cf.FrameMax < protocol.FrameMinSize {
		return fmt.Errorf("frame max must be 0 or >= %d, got %d", protocol.FrameMinSize, cf.FrameMax)
	}
	if cf.DialRetries < 0 {
		return fmt.Errorf("dial retries cannot be negative, got %d", cf.DialRetries)
	}
	if cf.OutboundQueueSize < 0 {
		return fmt.Errorf("outbound queue size cannot be negative, got %d", cf.OutboundQueueSize)
	}
	return nil
}

// withRPCTimeout applies RPCTimeout to ctx unless ctx already has a deadline.
func (cf *ConnectionFactory) withRPCTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || cf.RPCTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cf.RPCTimeout)
}

func (cf *ConnectionFactory) logger() *zap.Logger {
	if cf.Logger == nil {
		return zap.NewNop()
	}
	return cf.Logger
}

func (cf *ConnectionFactory) metrics() MetricsCollector {
	if cf.Metrics == nil {
		return NoOpMetricsCollector{}
	}
	return cf.Metrics
}

func (cf *ConnectionFactory) errorHandler() ErrorHandler {
	if cf.ErrorHandler == nil {
		return &DefaultErrorHandler{Logger: cf.logger()}
	}
	return cf.ErrorHandler
}

func defaultClientProperties() Table {
	return Table{
		"product":  "amqpr-go",
		"version":  ClientVersion,
		"platform": runtime.Version(),
		// Servers only send basic.cancel and connection.blocked to clients
		// that advertise them.
		"capabilities": Table{
			"consumer_cancel_notify":       true,
			"connection.blocked":           true,
			"basic.nack":                   true,
			"authentication_failure_close": true,
		},
	}
}
