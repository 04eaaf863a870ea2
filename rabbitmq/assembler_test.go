package rabbitmq

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

func deliverFrame(t *testing.T, channelID uint16, tag string, deliveryTag uint64) *frame.Frame {
	t.Helper()
	return frame.NewMethodFrame(channelID, protocol.BasicDeliver, args(t, frame.NewArgBuilder().
		ShortString(tag).
		Uint64(deliveryTag).
		Bits(true).
		ShortString("amq.direct").
		ShortString("orders.created")))
}

func headerFrame(t *testing.T, channelID uint16, size uint64, props Properties) *frame.Frame {
	t.Helper()
	return frame.NewHeaderFrame(channelID, protocol.ClassBasic, size, encodedProps(t, props))
}

func TestAssemblerTolerantSkipsStrayFrames(t *testing.T) {
	a := newAssembler(1, Tolerant, protocol.BasicDeliver)
	unrelated := frame.NewMethodFrame(1, protocol.QueueBindOk, nil)

	msg, consumed, err := a.feed(unrelated)
	require.NoError(t, err)
	assert.False(t, consumed, "idle assembler leaves unrelated frames to the caller")
	assert.Nil(t, msg)

	msg, consumed, err = a.feed(deliverFrame(t, 1, "ctag-1", 7))
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.Nil(t, msg)
	assert.True(t, a.active())

	msg, consumed, err = a.feed(unrelated)
	require.NoError(t, err)
	assert.True(t, consumed, "mid-sequence stray frames are skipped")
	assert.Nil(t, msg)

	msg, _, err = a.feed(headerFrame(t, 1, 5, Properties{ContentType: "text/plain"}))
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, _, err = a.feed(frame.NewBodyFrame(1, []byte("hello")))
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, protocol.BasicDeliver, msg.method)
	assert.Equal(t, "ctag-1", msg.consumerTag)
	assert.Equal(t, uint64(7), msg.deliveryTag)
	assert.True(t, msg.redelivered)
	assert.Equal(t, "amq.direct", msg.exchange)
	assert.Equal(t, "orders.created", msg.routingKey)
	assert.Equal(t, "text/plain", msg.properties.ContentType)
	assert.Equal(t, []byte("hello"), msg.body)
	assert.False(t, a.active())
}

func TestAssemblerStrictRejectsOutOfOrderFrames(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		a := newAssembler(3, Strict, protocol.BasicDeliver)
		_, consumed, err := a.feed(frame.NewBodyFrame(3, []byte("x")))
		assert.False(t, consumed)

		var frameErr *UnexpectedFrameError
		require.ErrorAs(t, err, &frameErr)
		assert.Equal(t, uint16(3), frameErr.ChannelID)
		assert.Equal(t, "content-carrying method", frameErr.Expected)
	})

	t.Run("method instead of header", func(t *testing.T) {
		a := newAssembler(3, Strict, protocol.BasicDeliver)
		_, _, err := a.feed(deliverFrame(t, 3, "ctag", 1))
		require.NoError(t, err)

		_, consumed, err := a.feed(frame.NewMethodFrame(3, protocol.BasicQosOk, nil))
		assert.True(t, consumed)

		var frameErr *UnexpectedFrameError
		require.ErrorAs(t, err, &frameErr)
		assert.Equal(t, "content-header", frameErr.Expected)
		assert.Contains(t, frameErr.Found, "basic.qos-ok")
		assert.False(t, a.active(), "a strict failure abandons the sequence")
	})

	t.Run("header instead of body", func(t *testing.T) {
		a := newAssembler(3, Strict, protocol.BasicDeliver)
		_, _, err := a.feed(deliverFrame(t, 3, "ctag", 1))
		require.NoError(t, err)
		_, _, err = a.feed(headerFrame(t, 3, 4, Properties{}))
		require.NoError(t, err)

		_, _, err = a.feed(headerFrame(t, 3, 4, Properties{}))
		var frameErr *UnexpectedFrameError
		require.ErrorAs(t, err, &frameErr)
		assert.Equal(t, "content-body", frameErr.Expected)
	})
}

func TestAssemblerModeForSequence(t *testing.T) {
	a := newAssembler(1, Tolerant, protocol.BasicDeliver, protocol.BasicGetOk)
	a.modeFor = func(m *message) MatchMode {
		if m.method == protocol.BasicGetOk {
			return Strict
		}
		return Tolerant
	}

	getOk := frame.NewMethodFrame(1, protocol.BasicGetOk, args(t, frame.NewArgBuilder().
		Uint64(1).
		Bits(false).
		ShortString("").
		ShortString("jobs").
		Uint32(3)))
	_, _, err := a.feed(getOk)
	require.NoError(t, err)
	assert.Equal(t, Strict, a.mode)

	_, _, err = a.feed(frame.NewBodyFrame(1, []byte("early")))
	assert.Error(t, err)
}

func TestAssemblerMultipleBodyFrames(t *testing.T) {
	a := newAssembler(1, Strict, protocol.BasicDeliver)

	_, _, err := a.feed(deliverFrame(t, 1, "ctag", 1))
	require.NoError(t, err)
	_, _, err = a.feed(headerFrame(t, 1, 10, Properties{}))
	require.NoError(t, err)

	var msg *message
	for _, chunk := range []string{"abc", "def", "ghij"} {
		msg, _, err = a.feed(frame.NewBodyFrame(1, []byte(chunk)))
		require.NoError(t, err)
	}
	require.NotNil(t, msg)
	assert.Equal(t, []byte("abcdefghij"), msg.body)
}

func TestAssemblerZeroBodyEmitsAtHeader(t *testing.T) {
	a := newAssembler(1, Strict, protocol.BasicDeliver)

	_, _, err := a.feed(deliverFrame(t, 1, "ctag", 1))
	require.NoError(t, err)
	msg, consumed, err := a.feed(headerFrame(t, 1, 0, Properties{MessageID: "m-1"}))
	require.NoError(t, err)
	assert.True(t, consumed)
	require.NotNil(t, msg)
	assert.Empty(t, msg.body)
	assert.Equal(t, "m-1", msg.properties.MessageID)
	assert.False(t, a.active())
}

func TestAssemblerBodyOverflow(t *testing.T) {
	a := newAssembler(1, Tolerant, protocol.BasicDeliver)

	_, _, err := a.feed(deliverFrame(t, 1, "ctag", 1))
	require.NoError(t, err)
	_, _, err = a.feed(headerFrame(t, 1, 3, Properties{}))
	require.NoError(t, err)

	_, _, err = a.feed(frame.NewBodyFrame(1, []byte("toolong")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflow")
	assert.False(t, a.active())
}

func TestAssemblerRejectsOversizedBody(t *testing.T) {
	tests := []struct {
		name    string
		maxBody uint64
		size    uint64
		limit   uint64
	}{
		{"above configured limit", DefaultMaxBodySize, 1 << 46, DefaultMaxBodySize},
		{"max uint64 with default limit", DefaultMaxBodySize, math.MaxUint64, DefaultMaxBodySize},
		{"max uint64 unlimited", 0, math.MaxUint64, math.MaxInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAssembler(1, Tolerant, protocol.BasicDeliver)
			a.maxBody = tt.maxBody

			_, _, err := a.feed(deliverFrame(t, 1, "ctag", 1))
			require.NoError(t, err)
			msg, consumed, err := a.feed(headerFrame(t, 1, tt.size, Properties{}))
			assert.Nil(t, msg)
			assert.True(t, consumed)

			var sizeErr *BodySizeError
			require.ErrorAs(t, err, &sizeErr)
			assert.Equal(t, tt.size, sizeErr.Size)
			assert.Equal(t, tt.limit, sizeErr.Limit)
			assert.False(t, a.active())
		})
	}
}

func TestAssemblerDoesNotPreallocateAnnouncedSize(t *testing.T) {
	a := newAssembler(1, Tolerant, protocol.BasicDeliver)

	_, _, err := a.feed(deliverFrame(t, 1, "ctag", 1))
	require.NoError(t, err)
	_, _, err = a.feed(headerFrame(t, 1, 1<<40, Properties{}))
	require.NoError(t, err)
	assert.LessOrEqual(t, cap(a.body), protocol.DefaultFrameMax)

	msg, _, err := a.feed(frame.NewBodyFrame(1, []byte("partial")))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.True(t, a.active())
}

func TestParseLeadReturn(t *testing.T) {
	f := frame.NewMethodFrame(1, protocol.BasicReturn, args(t, frame.NewArgBuilder().
		Uint16(protocol.ReplyNoRoute).
		ShortString("NO_ROUTE").
		ShortString("events").
		ShortString("nowhere")))

	m, err := parseLead(f)
	require.NoError(t, err)
	assert.Equal(t, uint16(protocol.ReplyNoRoute), m.replyCode)
	assert.Equal(t, "NO_ROUTE", m.replyText)
	assert.Equal(t, "events", m.exchange)
	assert.Equal(t, "nowhere", m.routingKey)

	_, err = parseLead(frame.NewMethodFrame(1, protocol.BasicQosOk, nil))
	assert.Error(t, err)
}
