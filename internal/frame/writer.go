package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/israelio/amqpr-go/internal/protocol"
)

// Writer encodes AMQP frames onto a byte stream. It buffers; call Flush to
// push written frames to the stream. A Writer has a single owner and is not
// safe for concurrent use.
type Writer struct {
	w         *bufio.Writer
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewWriter creates a frame writer that rejects payloads above maxFrameSize.
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize < protocol.FrameMinSize {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Writer{
		w:        bufio.NewWriterSize(w, protocol.FrameMinSize*2),
		maxFrame: maxFrameSize,
	}
}

// WriteFrame buffers one frame.
func (fw *Writer) WriteFrame(f *Frame) error {
	if uint32(len(f.Payload)) > fw.maxFrame {
		return fmt.Errorf("frame payload too large: %d > %d", len(f.Payload), fw.maxFrame)
	}

	fw.headerBuf[0] = f.Type
	binary.BigEndian.PutUint16(fw.headerBuf[1:3], f.ChannelID)
	binary.BigEndian.PutUint32(fw.headerBuf[3:7], uint32(len(f.Payload)))

	if _, err := fw.w.Write(fw.headerBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := fw.w.Write(f.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	if err := fw.w.WriteByte(protocol.FrameEnd); err != nil {
		return fmt.Errorf("write frame end: %w", err)
	}
	return nil
}

// WriteProtocolHeader writes and flushes the protocol header.
func (fw *Writer) WriteProtocolHeader() error {
	if _, err := fw.w.WriteString(protocol.ProtocolHeader); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}
	return fw.Flush()
}

// Flush writes any buffered frames to the stream.
func (fw *Writer) Flush() error {
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frames: %w", err)
	}
	return nil
}

// SetMaxFrameSize updates the maximum payload size.
func (fw *Writer) SetMaxFrameSize(size uint32) {
	if size >= protocol.FrameMinSize {
		fw.maxFrame = size
	}
}
