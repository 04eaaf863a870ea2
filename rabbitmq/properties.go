package rabbitmq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/israelio/amqpr-go/internal/protocol"
)

// Table is an alias for AMQP field table
type Table = protocol.Table

// Properties are the basic-class content header properties of a message.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Property presence flags, most significant bit first.
const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationID   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageID       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserID          = 0x0010
	flagAppID           = 0x0008
)

// shortStrings pairs each short-string property with its presence flag.
func (p *Properties) shortStrings() []struct {
	flag uint16
	val  *string
} {
	return []struct {
		flag uint16
		val  *string
	}{
		{flagContentType, &p.ContentType},
		{flagContentEncoding, &p.ContentEncoding},
		{flagCorrelationID, &p.CorrelationID},
		{flagReplyTo, &p.ReplyTo},
		{flagExpiration, &p.Expiration},
		{flagMessageID, &p.MessageID},
		{flagType, &p.Type},
		{flagUserID, &p.UserID},
		{flagAppID, &p.AppID},
	}
}

func (p *Properties) flags() uint16 {
	var flags uint16
	for _, s := range p.shortStrings() {
		if *s.val != "" {
			flags |= s.flag
		}
	}
	if len(p.Headers) > 0 {
		flags |= flagHeaders
	}
	if p.DeliveryMode != 0 {
		flags |= flagDeliveryMode
	}
	if p.Priority != 0 {
		flags |= flagPriority
	}
	if !p.Timestamp.IsZero() {
		flags |= flagTimestamp
	}
	return flags
}

// EncodeProperties encodes properties into the property-flags + property-list
// section of a content header.
func EncodeProperties(props Properties) ([]byte, error) {
	flags := props.flags()
	strs := props.shortStrings()

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, flags)

	// Fields are written in flag order, which interleaves the non-string ones.
	writeStr := func(flag uint16) error {
		for _, s := range strs {
			if s.flag == flag && flags&flag != 0 {
				return protocol.WriteShortString(&buf, *s.val)
			}
		}
		return nil
	}

	for _, flag := range []uint16{flagContentType, flagContentEncoding} {
		if err := writeStr(flag); err != nil {
			return nil, fmt.Errorf("encode properties: %w", err)
		}
	}
	if flags&flagHeaders != 0 {
		if err := protocol.WriteTable(&buf, props.Headers); err != nil {
			return nil, fmt.Errorf("encode properties: %w", err)
		}
	}
	if flags&flagDeliveryMode != 0 {
		buf.WriteByte(props.DeliveryMode)
	}
	if flags&flagPriority != 0 {
		buf.WriteByte(props.Priority)
	}
	for _, flag := range []uint16{flagCorrelationID, flagReplyTo, flagExpiration, flagMessageID} {
		if err := writeStr(flag); err != nil {
			return nil, fmt.Errorf("encode properties: %w", err)
		}
	}
	if flags&flagTimestamp != 0 {
		binary.Write(&buf, binary.BigEndian, uint64(props.Timestamp.Unix()))
	}
	for _, flag := range []uint16{flagType, flagUserID, flagAppID} {
		if err := writeStr(flag); err != nil {
			return nil, fmt.Errorf("encode properties: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// DecodeProperties decodes the property section of a content header.
func DecodeProperties(data []byte) (Properties, error) {
	var props Properties
	r := bytes.NewReader(data)

	var flags uint16
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return props, fmt.Errorf("decode property flags: %w", err)
	}

	strs := props.shortStrings()
	readStr := func(flag uint16) error {
		if flags&flag == 0 {
			return nil
		}
		for _, s := range strs {
			if s.flag == flag {
				v, err := protocol.ReadShortString(r)
				if err != nil {
					return err
				}
				*s.val = v
			}
		}
		return nil
	}

	var err error
	for _, flag := range []uint16{flagContentType, flagContentEncoding} {
		if err = readStr(flag); err != nil {
			return props, fmt.Errorf("decode properties: %w", err)
		}
	}
	if flags&flagHeaders != 0 {
		if props.Headers, err = protocol.ReadTable(r); err != nil {
			return props, fmt.Errorf("decode properties: %w", err)
		}
	}
	if flags&flagDeliveryMode != 0 {
		if props.DeliveryMode, err = r.ReadByte(); err != nil {
			return props, fmt.Errorf("decode properties: %w", err)
		}
	}
	if flags&flagPriority != 0 {
		if props.Priority, err = r.ReadByte(); err != nil {
			return props, fmt.Errorf("decode properties: %w", err)
		}
	}
	for _, flag := range []uint16{flagCorrelationID, flagReplyTo, flagExpiration, flagMessageID} {
		if err = readStr(flag); err != nil {
			return props, fmt.Errorf("decode properties: %w", err)
		}
	}
	if flags&flagTimestamp != 0 {
		var ts uint64
		if err = binary.Read(r, binary.BigEndian, &ts); err != nil {
			return props, fmt.Errorf("decode properties: %w", err)
		}
		props.Timestamp = time.Unix(int64(ts), 0)
	}
	for _, flag := range []uint16{flagType, flagUserID, flagAppID} {
		if err = readStr(flag); err != nil {
			return props, fmt.Errorf("decode properties: %w", err)
		}
	}

	return props, nil
}

// Predefined message properties
var (
	// PersistentBasic marks messages persistent
	PersistentBasic = Properties{
		ContentType:  "application/octet-stream",
		DeliveryMode: protocol.DeliveryModePersistent,
	}

	// TextPlain is properties for transient text messages
	TextPlain = Properties{
		ContentType:  "text/plain",
		DeliveryMode: protocol.DeliveryModeTransient,
	}
)
