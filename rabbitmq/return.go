package rabbitmq

import "go.uber.org/zap"

// Return represents a message returned by the broker (unroutable)
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

func newReturn(msg *message) Return {
	return Return{
		ReplyCode:  msg.replyCode,
		ReplyText:  msg.replyText,
		Exchange:   msg.exchange,
		RoutingKey: msg.routingKey,
		Properties: msg.properties,
		Body:       msg.body,
	}
}

// NotifyReturn registers a channel to receive returned messages. Sends
// never block: a return that finds the listener full is logged and dropped.
// The listener is closed with the channel.
func (ch *Channel) NotifyReturn(returnChan chan Return) chan Return {
	ch.listenerMu.Lock()
	defer ch.listenerMu.Unlock()

	if ch.IsClosed() {
		close(returnChan)
		return returnChan
	}
	ch.returnListeners = append(ch.returnListeners, returnChan)
	return returnChan
}

func (ch *Channel) notifyReturn(ret Return) {
	ch.listenerMu.Lock()
	defer ch.listenerMu.Unlock()

	if len(ch.returnListeners) == 0 {
		ch.logger.Warn("returned message has no listener",
			zap.Uint16("reply_code", ret.ReplyCode),
			zap.String("reply_text", ret.ReplyText),
			zap.String("exchange", ret.Exchange),
			zap.String("routing_key", ret.RoutingKey))
		return
	}
	for _, l := range ch.returnListeners {
		select {
		case l <- ret:
		default:
			ch.logger.Warn("return listener full, dropping returned message",
				zap.String("routing_key", ret.RoutingKey))
		}
	}
}
