package rabbitmq

import (
	"context"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// Publishing is a message to publish
type Publishing struct {
	Properties Properties
	Body       []byte
}

type publishState int

const (
	publishSendingMethod publishState = iota
	publishSendingHeader
	publishSendingBody
	publishDone
)

// publishProtocol yields the frames of one basic.publish in wire order:
// the method, the content header, then the body split to fit frameMax.
type publishProtocol struct {
	channelID uint16
	maxBody   int
	state     publishState

	args  []byte
	props []byte
	body  []byte
	sent  int
}

func newPublishProtocol(channelID uint16, frameMax uint32, exchange, routingKey string, mandatory, immediate bool, msg Publishing) (*publishProtocol, error) {
	args, err := frame.NewArgBuilder().
		Uint16(0).
		ShortString(exchange).
		ShortString(routingKey).
		Bits(mandatory, immediate).
		Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode basic.publish: %w", err)
	}

	props, err := EncodeProperties(msg.Properties)
	if err != nil {
		return nil, err
	}

	if frameMax == 0 {
		frameMax = protocol.DefaultFrameMax
	}
	return &publishProtocol{
		channelID: channelID,
		maxBody:   int(frameMax) - protocol.FrameOverhead,
		args:      args,
		props:     props,
		body:      msg.Body,
	}, nil
}

// next returns the next frame, or false once the message has been emitted.
func (p *publishProtocol) next() (*frame.Frame, bool) {
	switch p.state {
	case publishSendingMethod:
		p.state = publishSendingHeader
		return frame.NewMethodFrame(p.channelID, protocol.BasicPublish, p.args), true

	case publishSendingHeader:
		if len(p.body) == 0 {
			p.state = publishDone
		} else {
			p.state = publishSendingBody
		}
		return frame.NewHeaderFrame(p.channelID, protocol.ClassBasic, uint64(len(p.body)), p.props), true

	case publishSendingBody:
		end := p.sent + p.maxBody
		if end >= len(p.body) {
			end = len(p.body)
			p.state = publishDone
		}
		chunk := p.body[p.sent:end]
		p.sent = end
		return frame.NewBodyFrame(p.channelID, chunk), true
	}
	return nil, false
}

func (p *publishProtocol) done() bool {
	return p.state == publishDone
}

// Publish sends a message. It returns once every frame has been written to
// the transport; there is no broker acknowledgement. Unroutable mandatory
// messages come back through NotifyReturn.
func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	if ch.conn.factory.DetectContentType && msg.Properties.ContentType == "" && len(msg.Body) > 0 {
		msg.Properties.ContentType = mimetype.Detect(msg.Body).String()
	}

	p, err := newPublishProtocol(ch.id, ch.conn.frameMax, exchange, routingKey, mandatory, immediate, msg)
	if err != nil {
		return err
	}
	r := ch.call(ctx, &command{kind: cmdPublish, publish: p})
	return r.err
}

// runPublish emits all frames of p back to back. Once the first frame is
// queued the sequence runs to completion; a failure part way through leaves
// the server mid-message and poisons the channel.
func (ch *Channel) runPublish(p *publishProtocol) error {
	ctx := context.Background()
	d := ch.conn.dispatcher

	var done <-chan error
	queued := 0
	for {
		f, ok := p.next()
		if !ok {
			break
		}
		var err error
		if done, err = d.enqueue(ctx, f, p.done()); err != nil {
			if queued > 0 {
				ch.poison(fmt.Errorf("publish interrupted after %d frames: %w", queued, err))
			}
			return err
		}
		queued++
	}

	if err := d.await(ctx, done); err != nil {
		return err
	}
	ch.metrics.MessagePublished(len(p.body))
	if ce := ch.logger.Check(zap.DebugLevel, "message published"); ce != nil {
		ce.Write(zap.Int("frames", queued), zap.Int("body_size", len(p.body)))
	}
	return nil
}
