package rabbitmq

import (
	"time"

	"go.uber.org/zap"
)

// FactoryOption is a functional option for ConnectionFactory
type FactoryOption func(*ConnectionFactory)

// WithHost sets the host to connect to
func WithHost(host string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Host = host
	}
}

// WithPort sets the port to connect to
func WithPort(port int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Port = port
	}
}

// WithCredentials sets the username and password sent in the PLAIN response
func WithCredentials(username, password string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Username = username
		cf.Password = password
	}
}

// WithVHost sets the virtual host
func WithVHost(vhost string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.VHost = vhost
	}
}

// WithHeartbeat sets the requested heartbeat interval. Zero lets the server
// decide.
func WithHeartbeat(interval time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Heartbeat = interval
	}
}

// WithChannelMax sets the requested maximum channel id
func WithChannelMax(max uint16) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ChannelMax = max
	}
}

// WithFrameMax sets the requested maximum frame size
func WithFrameMax(max uint32) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.FrameMax = max
	}
}

// WithMaxBodySize sets the largest message body the client will assemble.
// Zero removes the limit.
func WithMaxBodySize(max uint64) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.MaxBodySize = max
	}
}

// WithRPCTimeout bounds every wait for a reply method when the caller's
// context has no deadline of its own. Zero disables the bound.
func WithRPCTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.RPCTimeout = timeout
	}
}

// WithConnectionTimeout sets the TCP dial timeout
func WithConnectionTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ConnectionTimeout = timeout
	}
}

// WithHandshakeTimeout sets the deadline for the whole connection handshake
func WithHandshakeTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.HandshakeTimeout = timeout
	}
}

// WithDialRetries sets how many times a failed TCP dial is retried
func WithDialRetries(retries int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.DialRetries = retries
	}
}

// WithClientProperty sets a single client property
func WithClientProperty(key string, value interface{}) FactoryOption {
	return func(cf *ConnectionFactory) {
		if cf.ClientProperties == nil {
			cf.ClientProperties = make(Table)
		}
		cf.ClientProperties[key] = value
	}
}

// WithSecureResponder answers connection.secure challenges
func WithSecureResponder(responder SecureResponder) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.SecureResponder = responder
	}
}

// WithErrorHandler sets a custom error handler
func WithErrorHandler(handler ErrorHandler) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ErrorHandler = handler
	}
}

// WithLogger sets the zap logger used by every actor
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Metrics = metrics
	}
}

// WithOutboundQueueSize sets the capacity of the dispatcher's outbound queue
func WithOutboundQueueSize(size int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.OutboundQueueSize = size
	}
}

// WithDetectContentType makes Publish fill an empty ContentType by sniffing
// the body
func WithDetectContentType(enabled bool) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.DetectContentType = enabled
	}
}
