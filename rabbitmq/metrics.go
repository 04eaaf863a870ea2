package rabbitmq

import (
	"sync/atomic"
)

// MetricsCollector receives client events as they happen. Implementations
// are called from actor goroutines and must not block.
type MetricsCollector interface {
	ConnectionOpened()
	ConnectionClosed(err error)

	ChannelOpened()
	ChannelClosed(err error)

	FrameSent(frameType uint8)
	FrameReceived(frameType uint8)
	FrameSkipped()
	ProtocolViolation()
	HeartbeatSent()

	MessagePublished(bodySize int)
	MessageDelivered(bodySize int)
	MessageReturned()
	MessageAcknowledged(kind AckKind)
}

// AckKind distinguishes basic.ack, basic.nack and basic.reject.
type AckKind int

const (
	AckKindAck AckKind = iota
	AckKindNack
	AckKindReject
)

// MetricsSnapshot is a point-in-time copy of a StandardMetricsCollector.
type MetricsSnapshot struct {
	ConnectionsOpened  int64
	ConnectionsClosed  int64
	ConnectionErrors   int64
	ChannelsOpened     int64
	ChannelsClosed     int64
	ChannelErrors      int64
	FramesSent         int64
	FramesReceived     int64
	FramesSkipped      int64
	ProtocolViolations int64
	HeartbeatsSent     int64
	MessagesPublished  int64
	BytesPublished     int64
	MessagesDelivered  int64
	BytesDelivered     int64
	MessagesReturned   int64
	MessagesAcked      int64
	MessagesNacked     int64
	MessagesRejected   int64
}

// StandardMetricsCollector counts events with atomic counters
type StandardMetricsCollector struct {
	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64
	connectionErrors  atomic.Int64

	channelsOpened atomic.Int64
	channelsClosed atomic.Int64
	channelErrors  atomic.Int64

	framesSent         atomic.Int64
	framesReceived     atomic.Int64
	framesSkipped      atomic.Int64
	protocolViolations atomic.Int64
	heartbeatsSent     atomic.Int64

	messagesPublished atomic.Int64
	bytesPublished    atomic.Int64
	messagesDelivered atomic.Int64
	bytesDelivered    atomic.Int64
	messagesReturned  atomic.Int64
	messagesAcked     atomic.Int64
	messagesNacked    atomic.Int64
	messagesRejected  atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

func (m *StandardMetricsCollector) ConnectionOpened() {
	m.connectionsOpened.Add(1)
}

// ConnectionClosed counts a close; a non-nil err also counts as an error.
func (m *StandardMetricsCollector) ConnectionClosed(err error) {
	m.connectionsClosed.Add(1)
	if err != nil {
		m.connectionErrors.Add(1)
	}
}

func (m *StandardMetricsCollector) ChannelOpened() {
	m.channelsOpened.Add(1)
}

func (m *StandardMetricsCollector) ChannelClosed(err error) {
	m.channelsClosed.Add(1)
	if err != nil {
		m.channelErrors.Add(1)
	}
}

func (m *StandardMetricsCollector) FrameSent(uint8) {
	m.framesSent.Add(1)
}

func (m *StandardMetricsCollector) FrameReceived(uint8) {
	m.framesReceived.Add(1)
}

func (m *StandardMetricsCollector) FrameSkipped() {
	m.framesSkipped.Add(1)
}

func (m *StandardMetricsCollector) ProtocolViolation() {
	m.protocolViolations.Add(1)
}

func (m *StandardMetricsCollector) HeartbeatSent() {
	m.heartbeatsSent.Add(1)
}

func (m *StandardMetricsCollector) MessagePublished(bodySize int) {
	m.messagesPublished.Add(1)
	m.bytesPublished.Add(int64(bodySize))
}

func (m *StandardMetricsCollector) MessageDelivered(bodySize int) {
	m.messagesDelivered.Add(1)
	m.bytesDelivered.Add(int64(bodySize))
}

func (m *StandardMetricsCollector) MessageReturned() {
	m.messagesReturned.Add(1)
}

func (m *StandardMetricsCollector) MessageAcknowledged(kind AckKind) {
	switch kind {
	case AckKindAck:
		m.messagesAcked.Add(1)
	case AckKindNack:
		m.messagesNacked.Add(1)
	case AckKindReject:
		m.messagesRejected.Add(1)
	}
}

// Snapshot copies the current counter values.
func (m *StandardMetricsCollector) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectionsOpened:  m.connectionsOpened.Load(),
		ConnectionsClosed:  m.connectionsClosed.Load(),
		ConnectionErrors:   m.connectionErrors.Load(),
		ChannelsOpened:     m.channelsOpened.Load(),
		ChannelsClosed:     m.channelsClosed.Load(),
		ChannelErrors:      m.channelErrors.Load(),
		FramesSent:         m.framesSent.Load(),
		FramesReceived:     m.framesReceived.Load(),
		FramesSkipped:      m.framesSkipped.Load(),
		ProtocolViolations: m.protocolViolations.Load(),
		HeartbeatsSent:     m.heartbeatsSent.Load(),
		MessagesPublished:  m.messagesPublished.Load(),
		BytesPublished:     m.bytesPublished.Load(),
		MessagesDelivered:  m.messagesDelivered.Load(),
		BytesDelivered:     m.bytesDelivered.Load(),
		MessagesReturned:   m.messagesReturned.Load(),
		MessagesAcked:      m.messagesAcked.Load(),
		MessagesNacked:     m.messagesNacked.Load(),
		MessagesRejected:   m.messagesRejected.Load(),
	}
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) ConnectionOpened()           {}
func (NoOpMetricsCollector) ConnectionClosed(error)      {}
func (NoOpMetricsCollector) ChannelOpened()              {}
func (NoOpMetricsCollector) ChannelClosed(error)         {}
func (NoOpMetricsCollector) FrameSent(uint8)             {}
func (NoOpMetricsCollector) FrameReceived(uint8)         {}
func (NoOpMetricsCollector) FrameSkipped()               {}
func (NoOpMetricsCollector) ProtocolViolation()          {}
func (NoOpMetricsCollector) HeartbeatSent()              {}
func (NoOpMetricsCollector) MessagePublished(int)        {}
func (NoOpMetricsCollector) MessageDelivered(int)        {}
func (NoOpMetricsCollector) MessageReturned()            {}
func (NoOpMetricsCollector) MessageAcknowledged(AckKind) {}
