package protocol

// ProtocolHeader is sent once, unframed, before any frame.
const ProtocolHeader = "AMQP\x00\x00\x09\x01"

const (
	VersionMajor = 0
	VersionMinor = 9
)

// Frame types
const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8
	FrameEnd       = 0xCE
)

// Frame size constants
const (
	FrameMinSize    = 4096
	FrameHeaderSize = 7 // type (1) + channel (2) + size (4)
	FrameEndSize    = 1
	// FrameOverhead is subtracted from frame-max to size a content body payload.
	FrameOverhead = FrameHeaderSize + FrameEndSize

	DefaultFrameMax   = 131072
	DefaultChannelMax = 2047
)

// GlobalChannel is reserved for connection-level traffic.
const GlobalChannel uint16 = 0

// AMQP class ids
const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
)

// Connection method ids
const (
	MethodConnectionStart    = 10
	MethodConnectionStartOk  = 11
	MethodConnectionSecure   = 20
	MethodConnectionSecureOk = 21
	MethodConnectionTune     = 30
	MethodConnectionTuneOk   = 31
	MethodConnectionOpen     = 40
	MethodConnectionOpenOk   = 41
	MethodConnectionClose    = 50
	MethodConnectionCloseOk  = 51
	MethodConnectionBlocked  = 60
	MethodConnectionUnblock  = 61
)

// Channel method ids
const (
	MethodChannelOpen    = 10
	MethodChannelOpenOk  = 11
	MethodChannelClose   = 40
	MethodChannelCloseOk = 41
)

// Exchange method ids
const (
	MethodExchangeDeclare   = 10
	MethodExchangeDeclareOk = 11
)

// Queue method ids
const (
	MethodQueueDeclare   = 10
	MethodQueueDeclareOk = 11
	MethodQueueBind      = 20
	MethodQueueBindOk    = 21
)

// Basic method ids
const (
	MethodBasicQos       = 10
	MethodBasicQosOk     = 11
	MethodBasicConsume   = 20
	MethodBasicConsumeOk = 21
	MethodBasicCancel    = 30
	MethodBasicCancelOk  = 31
	MethodBasicPublish   = 40
	MethodBasicReturn    = 50
	MethodBasicDeliver   = 60
	MethodBasicGet       = 70
	MethodBasicGetOk     = 71
	MethodBasicGetEmpty  = 72
	MethodBasicAck       = 80
	MethodBasicReject    = 90
	MethodBasicNack      = 120
)

// AMQP reply codes
const (
	ReplySuccess            = 200
	ReplyContentTooLarge    = 311
	ReplyNoRoute            = 312
	ReplyNoConsumers        = 313
	ReplyConnectionForced   = 320
	ReplyInvalidPath        = 402
	ReplyAccessRefused      = 403
	ReplyNotFound           = 404
	ReplyResourceLocked     = 405
	ReplyPreconditionFailed = 406
	ReplyFrameError         = 501
	ReplySyntaxError        = 502
	ReplyCommandInvalid     = 503
	ReplyChannelError       = 504
	ReplyUnexpectedFrame    = 505
	ReplyResourceError      = 506
	ReplyNotAllowed         = 530
	ReplyNotImplemented     = 540
	ReplyInternalError      = 541
)

// Built-in exchange types
const (
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeTopic   = "topic"
	ExchangeHeaders = "headers"
)

// Delivery modes
const (
	DeliveryModeTransient  = 1
	DeliveryModePersistent = 2
)
