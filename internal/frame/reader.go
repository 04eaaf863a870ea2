package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/israelio/amqpr-go/internal/protocol"
)

// Reader decodes AMQP frames from a byte stream.
type Reader struct {
	r         *bufio.Reader
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewReader creates a frame reader that rejects payloads above maxFrameSize.
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize < protocol.FrameMinSize {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Reader{
		r:        bufio.NewReaderSize(r, protocol.FrameMinSize*2),
		maxFrame: maxFrameSize,
	}
}

// ReadFrame reads a single frame. A stream that ends cleanly between frames
// returns io.EOF unwrapped so callers can tell a close from a broken frame.
func (fr *Reader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.headerBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	frameType := fr.headerBuf[0]
	channelID := binary.BigEndian.Uint16(fr.headerBuf[1:3])
	size := binary.BigEndian.Uint32(fr.headerBuf[3:7])

	if !isValidFrameType(frameType) {
		return nil, fmt.Errorf("invalid frame type: %d", frameType)
	}
	if size > fr.maxFrame {
		return nil, fmt.Errorf("frame payload too large: %d > %d", size, fr.maxFrame)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	end, err := fr.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read frame end: %w", err)
	}
	if end != protocol.FrameEnd {
		return nil, fmt.Errorf("invalid frame end marker: 0x%02X", end)
	}

	return &Frame{
		Type:      frameType,
		ChannelID: channelID,
		Payload:   payload,
	}, nil
}

// ReadProtocolHeader reads the 8 byte protocol header a client sends first.
func (fr *Reader) ReadProtocolHeader() (string, error) {
	header := make([]byte, len(protocol.ProtocolHeader))
	if _, err := io.ReadFull(fr.r, header); err != nil {
		return "", fmt.Errorf("read protocol header: %w", err)
	}
	return string(header), nil
}

// SetMaxFrameSize updates the maximum accepted payload size.
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size >= protocol.FrameMinSize {
		fr.maxFrame = size
	}
}

func isValidFrameType(frameType uint8) bool {
	switch frameType {
	case protocol.FrameMethod, protocol.FrameHeader, protocol.FrameBody, protocol.FrameHeartbeat:
		return true
	default:
		return false
	}
}
