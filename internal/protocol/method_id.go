package protocol

import "fmt"

// MethodID identifies an AMQP method by its (class, method) pair.
type MethodID struct {
	Class  uint16
	Method uint16
}

// Well-known method identifiers
var (
	ConnectionStart    = MethodID{ClassConnection, MethodConnectionStart}
	ConnectionStartOk  = MethodID{ClassConnection, MethodConnectionStartOk}
	ConnectionSecure   = MethodID{ClassConnection, MethodConnectionSecure}
	ConnectionSecureOk = MethodID{ClassConnection, MethodConnectionSecureOk}
	ConnectionTune     = MethodID{ClassConnection, MethodConnectionTune}
	ConnectionTuneOk   = MethodID{ClassConnection, MethodConnectionTuneOk}
	ConnectionOpen     = MethodID{ClassConnection, MethodConnectionOpen}
	ConnectionOpenOk   = MethodID{ClassConnection, MethodConnectionOpenOk}
	ConnectionClose    = MethodID{ClassConnection, MethodConnectionClose}
	ConnectionCloseOk  = MethodID{ClassConnection, MethodConnectionCloseOk}
	ConnectionBlocked  = MethodID{ClassConnection, MethodConnectionBlocked}
	ConnectionUnblock  = MethodID{ClassConnection, MethodConnectionUnblock}

	ChannelOpen    = MethodID{ClassChannel, MethodChannelOpen}
	ChannelOpenOk  = MethodID{ClassChannel, MethodChannelOpenOk}
	ChannelClose   = MethodID{ClassChannel, MethodChannelClose}
	ChannelCloseOk = MethodID{ClassChannel, MethodChannelCloseOk}

	ExchangeDeclare   = MethodID{ClassExchange, MethodExchangeDeclare}
	ExchangeDeclareOk = MethodID{ClassExchange, MethodExchangeDeclareOk}

	QueueDeclare   = MethodID{ClassQueue, MethodQueueDeclare}
	QueueDeclareOk = MethodID{ClassQueue, MethodQueueDeclareOk}
	QueueBind      = MethodID{ClassQueue, MethodQueueBind}
	QueueBindOk    = MethodID{ClassQueue, MethodQueueBindOk}

	BasicQos       = MethodID{ClassBasic, MethodBasicQos}
	BasicQosOk     = MethodID{ClassBasic, MethodBasicQosOk}
	BasicConsume   = MethodID{ClassBasic, MethodBasicConsume}
	BasicConsumeOk = MethodID{ClassBasic, MethodBasicConsumeOk}
	BasicCancel    = MethodID{ClassBasic, MethodBasicCancel}
	BasicCancelOk  = MethodID{ClassBasic, MethodBasicCancelOk}
	BasicPublish   = MethodID{ClassBasic, MethodBasicPublish}
	BasicReturn    = MethodID{ClassBasic, MethodBasicReturn}
	BasicDeliver   = MethodID{ClassBasic, MethodBasicDeliver}
	BasicGet       = MethodID{ClassBasic, MethodBasicGet}
	BasicGetOk     = MethodID{ClassBasic, MethodBasicGetOk}
	BasicGetEmpty  = MethodID{ClassBasic, MethodBasicGetEmpty}
	BasicAck       = MethodID{ClassBasic, MethodBasicAck}
	BasicReject    = MethodID{ClassBasic, MethodBasicReject}
	BasicNack      = MethodID{ClassBasic, MethodBasicNack}
)

var methodNames = map[MethodID]string{
	ConnectionStart:    "connection.start",
	ConnectionStartOk:  "connection.start-ok",
	ConnectionSecure:   "connection.secure",
	ConnectionSecureOk: "connection.secure-ok",
	ConnectionTune:     "connection.tune",
	ConnectionTuneOk:   "connection.tune-ok",
	ConnectionOpen:     "connection.open",
	ConnectionOpenOk:   "connection.open-ok",
	ConnectionClose:    "connection.close",
	ConnectionCloseOk:  "connection.close-ok",
	ConnectionBlocked:  "connection.blocked",
	ConnectionUnblock:  "connection.unblocked",
	ChannelOpen:        "channel.open",
	ChannelOpenOk:      "channel.open-ok",
	ChannelClose:       "channel.close",
	ChannelCloseOk:     "channel.close-ok",
	ExchangeDeclare:    "exchange.declare",
	ExchangeDeclareOk:  "exchange.declare-ok",
	QueueDeclare:       "queue.declare",
	QueueDeclareOk:     "queue.declare-ok",
	QueueBind:          "queue.bind",
	QueueBindOk:        "queue.bind-ok",
	BasicQos:           "basic.qos",
	BasicQosOk:         "basic.qos-ok",
	BasicConsume:       "basic.consume",
	BasicConsumeOk:     "basic.consume-ok",
	BasicCancel:        "basic.cancel",
	BasicCancelOk:      "basic.cancel-ok",
	BasicPublish:       "basic.publish",
	BasicReturn:        "basic.return",
	BasicDeliver:       "basic.deliver",
	BasicGet:           "basic.get",
	BasicGetOk:         "basic.get-ok",
	BasicGetEmpty:      "basic.get-empty",
	BasicAck:           "basic.ack",
	BasicReject:        "basic.reject",
	BasicNack:          "basic.nack",
}

// String returns the dotted method name, or "class.method" numbers for
// methods this client does not know.
func (id MethodID) String() string {
	if name, ok := methodNames[id]; ok {
		return name
	}
	return fmt.Sprintf("%d.%d", id.Class, id.Method)
}
