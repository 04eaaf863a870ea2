package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/israelio/amqpr-go/internal/protocol"
)

// Frame is one AMQP frame: a channel id plus a typed payload.
type Frame struct {
	Type      uint8
	ChannelID uint16
	Payload   []byte
}

// Method is a decoded method frame payload.
type Method struct {
	ID   protocol.MethodID
	Args []byte
}

// Header is a decoded content header payload.
type Header struct {
	ClassID    uint16
	Weight     uint16
	BodySize   uint64
	Properties []byte
}

// NewMethodFrame creates a method frame.
func NewMethodFrame(channelID uint16, id protocol.MethodID, args []byte) *Frame {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], id.Class)
	binary.BigEndian.PutUint16(payload[2:4], id.Method)
	copy(payload[4:], args)

	return &Frame{
		Type:      protocol.FrameMethod,
		ChannelID: channelID,
		Payload:   payload,
	}
}

// NewHeaderFrame creates a content header frame.
func NewHeaderFrame(channelID uint16, classID uint16, bodySize uint64, properties []byte) *Frame {
	payload := make([]byte, 12+len(properties))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], 0) // weight
	binary.BigEndian.PutUint64(payload[4:12], bodySize)
	copy(payload[12:], properties)

	return &Frame{
		Type:      protocol.FrameHeader,
		ChannelID: channelID,
		Payload:   payload,
	}
}

// NewBodyFrame creates a content body frame.
func NewBodyFrame(channelID uint16, data []byte) *Frame {
	return &Frame{
		Type:      protocol.FrameBody,
		ChannelID: channelID,
		Payload:   data,
	}
}

// NewHeartbeatFrame creates a heartbeat frame on channel 0.
func NewHeartbeatFrame() *Frame {
	return &Frame{
		Type:      protocol.FrameHeartbeat,
		ChannelID: protocol.GlobalChannel,
		Payload:   []byte{},
	}
}

// MethodID returns the method identifier of a method frame. ok is false for
// any other frame type or a truncated payload.
func (f *Frame) MethodID() (id protocol.MethodID, ok bool) {
	if f.Type != protocol.FrameMethod || len(f.Payload) < 4 {
		return protocol.MethodID{}, false
	}
	return protocol.MethodID{
		Class:  binary.BigEndian.Uint16(f.Payload[0:2]),
		Method: binary.BigEndian.Uint16(f.Payload[2:4]),
	}, true
}

// IsMethod reports whether f is a method frame carrying id.
func (f *Frame) IsMethod(id protocol.MethodID) bool {
	got, ok := f.MethodID()
	return ok && got == id
}

// ParseMethod decodes a method frame payload.
func (f *Frame) ParseMethod() (*Method, error) {
	if f.Type != protocol.FrameMethod {
		return nil, fmt.Errorf("not a method frame: type=%d", f.Type)
	}
	id, ok := f.MethodID()
	if !ok {
		return nil, fmt.Errorf("method frame payload too short: %d", len(f.Payload))
	}
	return &Method{ID: id, Args: f.Payload[4:]}, nil
}

// ParseHeader decodes a content header payload.
func (f *Frame) ParseHeader() (*Header, error) {
	if f.Type != protocol.FrameHeader {
		return nil, fmt.Errorf("not a header frame: type=%d", f.Type)
	}
	if len(f.Payload) < 12 {
		return nil, fmt.Errorf("header frame payload too short: %d", len(f.Payload))
	}

	return &Header{
		ClassID:    binary.BigEndian.Uint16(f.Payload[0:2]),
		Weight:     binary.BigEndian.Uint16(f.Payload[2:4]),
		BodySize:   binary.BigEndian.Uint64(f.Payload[4:12]),
		Properties: f.Payload[12:],
	}, nil
}

// Kind names the frame type.
func (f *Frame) Kind() string {
	switch f.Type {
	case protocol.FrameMethod:
		return "method"
	case protocol.FrameHeader:
		return "content-header"
	case protocol.FrameBody:
		return "content-body"
	case protocol.FrameHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", f.Type)
	}
}

// String describes the frame for logs and errors.
func (f *Frame) String() string {
	if id, ok := f.MethodID(); ok {
		return fmt.Sprintf("method %s on channel %d", id, f.ChannelID)
	}
	return fmt.Sprintf("%s on channel %d (%d bytes)", f.Kind(), f.ChannelID, len(f.Payload))
}
