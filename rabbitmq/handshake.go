package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// handshakeStage is one step of connection negotiation. Stages advance
// linearly except that a secure challenge loops back to
// stageReceiveSecureOrTune.
type handshakeStage int

const (
	stageSendProtocolHeader handshakeStage = iota
	stageReceiveStart
	stageSendStartOk
	stageReceiveSecureOrTune
	stageSendSecureOk
	stageSendTuneOk
	stageSendOpen
	stageReceiveOpenOk
	stageDone
)

var stageNames = [...]string{
	stageSendProtocolHeader:  "send-protocol-header",
	stageReceiveStart:        "receive-start",
	stageSendStartOk:         "send-start-ok",
	stageReceiveSecureOrTune: "receive-secure-or-tune",
	stageSendSecureOk:        "send-secure-ok",
	stageSendTuneOk:          "send-tune-ok",
	stageSendOpen:            "send-open",
	stageReceiveOpenOk:       "receive-open-ok",
	stageDone:                "done",
}

func (s handshakeStage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// tuning is what a completed handshake hands to the connection.
type tuning struct {
	channelMax       uint16
	frameMax         uint32
	heartbeat        time.Duration
	serverProperties Table
	mechanisms       []string
	locales          []string
}

type handshake struct {
	t         frame.Transport
	cf        *ConnectionFactory
	stage     handshakeStage
	challenge []byte
	result    tuning
}

func newHandshake(t frame.Transport, cf *ConnectionFactory) *handshake {
	return &handshake{t: t, cf: cf, stage: stageSendProtocolHeader}
}

// run drives the state machine to stageDone. The whole exchange is bounded by
// HandshakeTimeout and by ctx.
func (h *handshake) run(ctx context.Context) (*tuning, error) {
	var deadline time.Time
	if h.cf.HandshakeTimeout > 0 {
		deadline = time.Now().Add(h.cf.HandshakeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	h.t.SetDeadline(deadline)
	// Unblock a pending read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		h.t.SetDeadline(time.Unix(1, 0))
	})

	for h.stage != stageDone {
		if err := h.step(); err != nil {
			stop()
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %v", ctx.Err(), err)
			}
			return nil, &HandshakeError{Stage: h.stage, Err: err}
		}
	}

	if !stop() && ctx.Err() != nil {
		return nil, &HandshakeError{Stage: stageDone, Err: ctx.Err()}
	}
	h.t.SetDeadline(time.Time{})
	return &h.result, nil
}

func (h *handshake) step() error {
	switch h.stage {
	case stageSendProtocolHeader:
		if err := h.t.WriteProtocolHeader(); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
		h.stage = stageReceiveStart

	case stageReceiveStart:
		m, err := h.expect(protocol.ConnectionStart)
		if err != nil {
			return err
		}
		if err := h.onStart(m); err != nil {
			return err
		}
		h.stage = stageSendStartOk

	case stageSendStartOk:
		args, err := frame.NewArgBuilder().
			Table(h.cf.ClientProperties).
			ShortString("PLAIN").
			LongString(h.plainResponse()).
			ShortString(h.cf.Locale).
			Bytes()
		if err != nil {
			return err
		}
		if err := h.send(protocol.ConnectionStartOk, args); err != nil {
			return err
		}
		h.stage = stageReceiveSecureOrTune

	case stageReceiveSecureOrTune:
		f, err := h.next()
		if err != nil {
			return err
		}
		switch {
		case f.IsMethod(protocol.ConnectionSecure):
			m, _ := f.ParseMethod()
			r := frame.NewArgReader(m.Args)
			h.challenge = r.LongString()
			if err := r.Err(); err != nil {
				return err
			}
			h.stage = stageSendSecureOk
		case f.IsMethod(protocol.ConnectionTune):
			m, _ := f.ParseMethod()
			if err := h.onTune(m); err != nil {
				return err
			}
			h.stage = stageSendTuneOk
		default:
			return &UnexpectedFrameError{
				ChannelID: f.ChannelID,
				Expected:  "connection.secure or connection.tune",
				Found:     f.String(),
			}
		}

	case stageSendSecureOk:
		response := h.plainResponse()
		if h.cf.SecureResponder != nil {
			var err error
			if response, err = h.cf.SecureResponder(h.challenge); err != nil {
				return fmt.Errorf("secure responder: %w", err)
			}
		}
		args, _ := frame.NewArgBuilder().LongString(response).Bytes()
		if err := h.send(protocol.ConnectionSecureOk, args); err != nil {
			return err
		}
		h.stage = stageReceiveSecureOrTune

	case stageSendTuneOk:
		args, _ := frame.NewArgBuilder().
			Uint16(h.result.channelMax).
			Uint32(h.result.frameMax).
			Uint16(uint16(h.result.heartbeat / time.Second)).
			Bytes()
		if err := h.send(protocol.ConnectionTuneOk, args); err != nil {
			return err
		}
		h.t.SetMaxFrameSize(h.result.frameMax)
		h.stage = stageSendOpen

	case stageSendOpen:
		args, err := frame.NewArgBuilder().
			ShortString(h.cf.VHost).
			ShortString("").
			Bits(false).
			Bytes()
		if err != nil {
			return err
		}
		if err := h.send(protocol.ConnectionOpen, args); err != nil {
			return err
		}
		h.stage = stageReceiveOpenOk

	case stageReceiveOpenOk:
		if _, err := h.expect(protocol.ConnectionOpenOk); err != nil {
			return err
		}
		h.stage = stageDone
	}
	return nil
}

func (h *handshake) onStart(m *frame.Method) error {
	r := frame.NewArgReader(m.Args)
	major := r.Uint8()
	minor := r.Uint8()
	props := r.Table()
	mechanisms := string(r.LongString())
	locales := string(r.LongString())
	if err := r.Err(); err != nil {
		return err
	}

	if major != protocol.VersionMajor || minor != protocol.VersionMinor {
		return fmt.Errorf("unsupported protocol version %d-%d", major, minor)
	}

	h.result.serverProperties = props
	h.result.mechanisms = strings.Fields(mechanisms)
	h.result.locales = strings.Fields(locales)

	for _, mech := range h.result.mechanisms {
		if mech == "PLAIN" {
			return nil
		}
	}
	return fmt.Errorf("server does not offer PLAIN authentication (offers %q)", mechanisms)
}

func (h *handshake) onTune(m *frame.Method) error {
	r := frame.NewArgReader(m.Args)
	channelMax := r.Uint16()
	frameMax := r.Uint32()
	heartbeat := r.Uint16()
	if err := r.Err(); err != nil {
		return err
	}

	h.result.channelMax = uint16(negotiate(uint32(h.cf.ChannelMax), uint32(channelMax)))
	if h.result.channelMax == 0 {
		h.result.channelMax = 65535
	}
	h.result.frameMax = negotiate(h.cf.FrameMax, frameMax)
	if h.result.frameMax == 0 {
		h.result.frameMax = protocol.DefaultFrameMax
	}
	h.result.heartbeat = time.Duration(negotiate(uint32(h.cf.Heartbeat/time.Second), uint32(heartbeat))) * time.Second
	return nil
}

// negotiate picks the lower of two limits where zero means "no limit".
func negotiate(client, server uint32) uint32 {
	switch {
	case client == 0:
		return server
	case server == 0:
		return client
	case client < server:
		return client
	default:
		return server
	}
}

func (h *handshake) plainResponse() []byte {
	return []byte("\x00" + h.cf.Username + "\x00" + h.cf.Password)
}

func (h *handshake) send(id protocol.MethodID, args []byte) error {
	if err := h.t.WriteFrame(frame.NewMethodFrame(protocol.GlobalChannel, id, args)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := h.t.Flush(); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// next reads the next non-heartbeat frame. A connection.close from the
// server (for example on bad credentials) is answered and returned as *Error.
func (h *handshake) next() (*frame.Frame, error) {
	for {
		f, err := h.t.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil, ErrUnexpectedConnectionClose
		}
		if err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
		if f.Type == protocol.FrameHeartbeat {
			continue
		}
		if f.IsMethod(protocol.ConnectionClose) {
			m, _ := f.ParseMethod()
			closeErr, err := closeErrorFromArgs(m.Args)
			if err != nil {
				return nil, err
			}
			h.send(protocol.ConnectionCloseOk, nil)
			return nil, closeErr
		}
		return f, nil
	}
}

func (h *handshake) expect(id protocol.MethodID) (*frame.Method, error) {
	f, err := h.next()
	if err != nil {
		return nil, err
	}
	if !f.IsMethod(id) {
		return nil, &UnexpectedFrameError{ChannelID: f.ChannelID, Expected: id.String(), Found: f.String()}
	}
	return f.ParseMethod()
}
