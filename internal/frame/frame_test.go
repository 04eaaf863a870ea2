package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqpr-go/internal/protocol"
)

func TestFrameConstructors(t *testing.T) {
	t.Run("method frame", func(t *testing.T) {
		f := NewMethodFrame(42, protocol.ChannelOpen, []byte{0x00})

		assert.Equal(t, uint8(protocol.FrameMethod), f.Type)
		assert.Equal(t, uint16(42), f.ChannelID)
		assert.True(t, f.IsMethod(protocol.ChannelOpen))
		assert.False(t, f.IsMethod(protocol.ChannelOpenOk))

		m, err := f.ParseMethod()
		require.NoError(t, err)
		assert.Equal(t, protocol.ChannelOpen, m.ID)
		assert.Equal(t, []byte{0x00}, m.Args)
	})

	t.Run("header frame", func(t *testing.T) {
		f := NewHeaderFrame(1, protocol.ClassBasic, 1024, []byte{0x80, 0x00})

		h, err := f.ParseHeader()
		require.NoError(t, err)
		assert.Equal(t, uint16(protocol.ClassBasic), h.ClassID)
		assert.Equal(t, uint64(1024), h.BodySize)
		assert.Equal(t, []byte{0x80, 0x00}, h.Properties)

		_, ok := f.MethodID()
		assert.False(t, ok)
	})

	t.Run("heartbeat frame", func(t *testing.T) {
		f := NewHeartbeatFrame()
		assert.Equal(t, uint8(protocol.FrameHeartbeat), f.Type)
		assert.Equal(t, protocol.GlobalChannel, f.ChannelID)
		assert.Empty(t, f.Payload)
	})

	t.Run("wrong frame kind", func(t *testing.T) {
		_, err := NewBodyFrame(1, []byte("x")).ParseMethod()
		assert.Error(t, err)

		_, err = NewMethodFrame(1, protocol.BasicAck, nil).ParseHeader()
		assert.Error(t, err)
	})
}

func TestFrameString(t *testing.T) {
	assert.Equal(t, "method basic.deliver on channel 3", NewMethodFrame(3, protocol.BasicDeliver, nil).String())
	assert.Equal(t, "content-body on channel 3 (5 bytes)", NewBodyFrame(3, []byte("hello")).String())
}

func TestArgBuilderAndReader(t *testing.T) {
	payload, err := NewArgBuilder().
		Uint16(0).
		ShortString("orders").
		ShortString("amq.direct").
		Bits(false, true, false, true, false, false, false, false, true).
		Uint64(77).
		Table(protocol.Table{"x-max-length": int32(10)}).
		LongString([]byte("\x00guest\x00guest")).
		Bytes()
	require.NoError(t, err)

	r := NewArgReader(payload)
	assert.Equal(t, uint16(0), r.Uint16())
	assert.Equal(t, "orders", r.ShortString())
	assert.Equal(t, "amq.direct", r.ShortString())
	assert.Equal(t, []bool{false, true, false, true, false, false, false, false, true}, r.Bits(9))
	assert.Equal(t, uint64(77), r.Uint64())
	assert.Equal(t, protocol.Table{"x-max-length": int32(10)}, r.Table())
	assert.Equal(t, []byte("\x00guest\x00guest"), r.LongString())
	assert.NoError(t, r.Err())
}

func TestArgBitsPacking(t *testing.T) {
	payload, err := NewArgBuilder().Bits(true, false, true).Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, payload)
}

func TestArgReaderKeepsFirstError(t *testing.T) {
	r := NewArgReader([]byte{0x00})
	assert.Equal(t, uint16(0), r.Uint16())
	assert.Equal(t, "", r.ShortString())

	require.Error(t, r.Err())
	assert.Contains(t, r.Err().Error(), "short")
}

func TestArgBuilderError(t *testing.T) {
	_, err := NewArgBuilder().ShortString(string(make([]byte, 300))).Bytes()
	assert.Error(t, err)
}

func TestReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, protocol.FrameMinSize)

	frames := []*Frame{
		NewMethodFrame(7, protocol.BasicPublish, []byte{0, 0, 0, 0, 0}),
		NewHeaderFrame(7, protocol.ClassBasic, 5, []byte{0, 0}),
		NewBodyFrame(7, []byte("hello")),
		NewHeartbeatFrame(),
	}
	for _, f := range frames {
		require.NoError(t, w.WriteFrame(f))
	}
	require.NoError(t, w.Flush())

	r := NewReader(&buf, protocol.FrameMinSize)
	for _, want := range frames {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.ChannelID, got.ChannelID)
		assert.Equal(t, want.Payload, got.Payload)
	}

	_, err := r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestReaderRejectsBadFrames(t *testing.T) {
	t.Run("bad end marker", func(t *testing.T) {
		raw := []byte{protocol.FrameHeartbeat, 0, 0, 0, 0, 0, 0, 0x00}
		_, err := NewReader(bytes.NewReader(raw), 0).ReadFrame()
		assert.ErrorContains(t, err, "frame end marker")
	})

	t.Run("bad type", func(t *testing.T) {
		raw := []byte{9, 0, 0, 0, 0, 0, 0, protocol.FrameEnd}
		_, err := NewReader(bytes.NewReader(raw), 0).ReadFrame()
		assert.ErrorContains(t, err, "invalid frame type")
	})

	t.Run("oversized", func(t *testing.T) {
		raw := []byte{protocol.FrameBody, 0, 1, 0, 1, 0, 0}
		_, err := NewReader(bytes.NewReader(raw), 0).ReadFrame()
		assert.ErrorContains(t, err, "too large")
	})

	t.Run("truncated payload", func(t *testing.T) {
		raw := []byte{protocol.FrameBody, 0, 1, 0, 0, 0, 10, 'a'}
		_, err := NewReader(bytes.NewReader(raw), 0).ReadFrame()
		assert.ErrorContains(t, err, "read frame payload")
	})
}

func TestWriterRejectsOversizedPayload(t *testing.T) {
	w := NewWriter(io.Discard, protocol.FrameMinSize)
	err := w.WriteFrame(NewBodyFrame(1, make([]byte, protocol.FrameMinSize+1)))
	assert.Error(t, err)

	w.SetMaxFrameSize(protocol.FrameMinSize * 4)
	assert.NoError(t, w.WriteFrame(NewBodyFrame(1, make([]byte, protocol.FrameMinSize+1))))
}

func TestPipe(t *testing.T) {
	client, server := Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.WriteProtocolHeader()
		client.WriteFrame(NewHeartbeatFrame())
		client.Flush()
	}()

	header, err := server.ReadProtocolHeader()
	require.NoError(t, err)
	assert.Equal(t, protocol.ProtocolHeader, header)

	f, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.FrameHeartbeat), f.Type)
}
