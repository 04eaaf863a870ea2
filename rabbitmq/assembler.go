package rabbitmq

import (
	"fmt"
	"math"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// MatchMode selects what a wait does with a frame it was not waiting for.
type MatchMode int

const (
	// Tolerant skips non-matching frames and keeps waiting.
	Tolerant MatchMode = iota
	// Strict fails the wait with an *UnexpectedFrameError.
	Strict
)

func (m MatchMode) String() string {
	if m == Strict {
		return "strict"
	}
	return "tolerant"
}

type assemblyState int

const (
	awaitingLeadMethod assemblyState = iota
	awaitingContentHeader
	awaitingContentBody
)

func (s assemblyState) expected() string {
	switch s {
	case awaitingContentHeader:
		return "content-header"
	case awaitingContentBody:
		return "content-body"
	default:
		return "content-carrying method"
	}
}

// message is one reassembled content-carrying method: a deliver, a return or
// a get-ok, plus its properties and body.
type message struct {
	method protocol.MethodID

	consumerTag  string
	deliveryTag  uint64
	redelivered  bool
	exchange     string
	routingKey   string
	messageCount uint32
	replyCode    uint16
	replyText    string

	properties Properties
	body       []byte
}

// assembler turns a lead method, a content header and zero or more body
// frames into one message. After emitting it returns to awaiting a lead
// method, so one assembler serves a whole subscription.
type assembler struct {
	channelID uint16
	leads     map[protocol.MethodID]bool
	mode      MatchMode
	// modeFor, when set, picks the mode for a sequence once its lead method
	// has been parsed.
	modeFor func(*message) MatchMode
	// maxBody rejects larger announced bodies; zero means math.MaxInt.
	maxBody uint64

	state    assemblyState
	current  *message
	bodySize uint64
	body     []byte
}

func newAssembler(channelID uint16, mode MatchMode, leads ...protocol.MethodID) *assembler {
	a := &assembler{
		channelID: channelID,
		leads:     make(map[protocol.MethodID]bool, len(leads)),
		mode:      mode,
	}
	for _, id := range leads {
		a.leads[id] = true
	}
	return a
}

// active reports whether a sequence has started and is not yet complete.
func (a *assembler) active() bool {
	return a.state != awaitingLeadMethod
}

// isLead reports whether f would start a new sequence.
func (a *assembler) isLead(f *frame.Frame) bool {
	id, ok := f.MethodID()
	return ok && a.leads[id]
}

// feed advances the state machine with f. consumed is false when f played
// no part in assembly and the caller may route it elsewhere; a tolerant
// assembler consumes (skips) stray frames in the middle of a sequence. msg
// is non-nil when f completed a message. In strict mode any out-of-order
// frame returns an *UnexpectedFrameError and resets the assembler.
func (a *assembler) feed(f *frame.Frame) (msg *message, consumed bool, err error) {
	switch a.state {
	case awaitingLeadMethod:
		if !a.isLead(f) {
			if a.mode == Strict {
				return nil, false, a.unexpected(f)
			}
			return nil, false, nil
		}
		m, err := parseLead(f)
		if err != nil {
			return nil, true, err
		}
		a.current = m
		if a.modeFor != nil {
			a.mode = a.modeFor(m)
		}
		a.state = awaitingContentHeader
		return nil, true, nil

	case awaitingContentHeader:
		if f.Type != protocol.FrameHeader {
			return nil, true, a.strictError(f)
		}
		h, err := f.ParseHeader()
		if err != nil {
			a.reset()
			return nil, true, err
		}
		props, err := DecodeProperties(h.Properties)
		if err != nil {
			a.reset()
			return nil, true, err
		}
		if limit := a.bodyLimit(); h.BodySize > limit {
			a.reset()
			return nil, true, &BodySizeError{ChannelID: a.channelID, Size: h.BodySize, Limit: limit}
		}
		a.current.properties = props
		a.bodySize = h.BodySize
		// The header's size is only a claim; append grows past the first frame.
		a.body = make([]byte, 0, min(h.BodySize, protocol.DefaultFrameMax))
		if h.BodySize == 0 {
			return a.emit(), true, nil
		}
		a.state = awaitingContentBody
		return nil, true, nil

	case awaitingContentBody:
		if f.Type != protocol.FrameBody {
			return nil, true, a.strictError(f)
		}
		a.body = append(a.body, f.Payload...)
		if uint64(len(a.body)) > a.bodySize {
			got := len(a.body)
			a.reset()
			return nil, true, fmt.Errorf("content body overflow on channel %d: %d > %d bytes", a.channelID, got, a.bodySize)
		}
		if uint64(len(a.body)) == a.bodySize {
			return a.emit(), true, nil
		}
		return nil, true, nil
	}
	return nil, false, nil
}

func (a *assembler) bodyLimit() uint64 {
	if a.maxBody == 0 || a.maxBody > math.MaxInt {
		return math.MaxInt
	}
	return a.maxBody
}

// strictError gives up on the sequence in strict mode. A tolerant
// assembler swallows the stray frame and keeps its state.
func (a *assembler) strictError(f *frame.Frame) error {
	if a.mode != Strict {
		return nil
	}
	err := a.unexpected(f)
	a.reset()
	return err
}

func (a *assembler) unexpected(f *frame.Frame) *UnexpectedFrameError {
	return &UnexpectedFrameError{
		ChannelID: a.channelID,
		Expected:  a.state.expected(),
		Found:     f.String(),
	}
}

func (a *assembler) emit() *message {
	m := a.current
	m.body = a.body
	a.reset()
	return m
}

// reset abandons any partial sequence.
func (a *assembler) reset() {
	a.state = awaitingLeadMethod
	a.current = nil
	a.body = nil
	a.bodySize = 0
}

func parseLead(f *frame.Frame) (*message, error) {
	m, err := f.ParseMethod()
	if err != nil {
		return nil, err
	}

	msg := &message{method: m.ID}
	r := frame.NewArgReader(m.Args)
	switch m.ID {
	case protocol.BasicDeliver:
		msg.consumerTag = r.ShortString()
		msg.deliveryTag = r.Uint64()
		msg.redelivered = r.Bits(1)[0]
		msg.exchange = r.ShortString()
		msg.routingKey = r.ShortString()
	case protocol.BasicGetOk:
		msg.deliveryTag = r.Uint64()
		msg.redelivered = r.Bits(1)[0]
		msg.exchange = r.ShortString()
		msg.routingKey = r.ShortString()
		msg.messageCount = r.Uint32()
	case protocol.BasicReturn:
		msg.replyCode = r.Uint16()
		msg.replyText = r.ShortString()
		msg.exchange = r.ShortString()
		msg.routingKey = r.ShortString()
	default:
		return nil, fmt.Errorf("%s does not carry content", m.ID)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.ID, err)
	}
	return msg, nil
}
