package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/israelio/amqpr-go/internal/protocol"
)

// ArgReader reads positional method arguments. The first decoding error is
// kept and every later read returns a zero value; check Err once at the end.
type ArgReader struct {
	buf *bytes.Reader
	err error
}

// NewArgReader creates an ArgReader over a method's argument bytes.
func NewArgReader(data []byte) *ArgReader {
	return &ArgReader{buf: bytes.NewReader(data)}
}

// Err returns the first error encountered, wrapped with the failing field kind.
func (r *ArgReader) Err() error {
	return r.err
}

func (r *ArgReader) fail(kind string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("read %s argument: %w", kind, err)
	}
}

func (r *ArgReader) read(kind string, v interface{}) {
	if r.err != nil {
		return
	}
	if err := binary.Read(r.buf, binary.BigEndian, v); err != nil {
		r.fail(kind, err)
	}
}

// Uint8 reads an octet.
func (r *ArgReader) Uint8() uint8 {
	var v uint8
	r.read("octet", &v)
	return v
}

// Uint16 reads a short.
func (r *ArgReader) Uint16() uint16 {
	var v uint16
	r.read("short", &v)
	return v
}

// Uint32 reads a long.
func (r *ArgReader) Uint32() uint32 {
	var v uint32
	r.read("long", &v)
	return v
}

// Uint64 reads a longlong.
func (r *ArgReader) Uint64() uint64 {
	var v uint64
	r.read("longlong", &v)
	return v
}

// Bits reads n packed bit fields (least significant bit first).
func (r *ArgReader) Bits(n int) []bool {
	flags := make([]bool, n)
	var packed uint8
	for i := 0; i < n; i++ {
		if i%8 == 0 {
			packed = r.Uint8()
		}
		flags[i] = packed&(1<<uint(i%8)) != 0
	}
	return flags
}

// ShortString reads a short string.
func (r *ArgReader) ShortString() string {
	if r.err != nil {
		return ""
	}
	s, err := protocol.ReadShortString(r.buf)
	if err != nil {
		r.fail("shortstr", err)
	}
	return s
}

// LongString reads a long string.
func (r *ArgReader) LongString() []byte {
	if r.err != nil {
		return nil
	}
	b, err := protocol.ReadLongString(r.buf)
	if err != nil {
		r.fail("longstr", err)
	}
	return b
}

// Table reads a field table.
func (r *ArgReader) Table() protocol.Table {
	if r.err != nil {
		return nil
	}
	t, err := protocol.ReadTable(r.buf)
	if err != nil {
		r.fail("table", err)
	}
	return t
}

// ArgBuilder writes positional method arguments.
type ArgBuilder struct {
	buf bytes.Buffer
	err error
}

// NewArgBuilder creates an empty ArgBuilder.
func NewArgBuilder() *ArgBuilder {
	return &ArgBuilder{}
}

// Uint8 writes an octet.
func (b *ArgBuilder) Uint8(v uint8) *ArgBuilder {
	b.buf.WriteByte(v)
	return b
}

// Uint16 writes a short.
func (b *ArgBuilder) Uint16(v uint16) *ArgBuilder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// Uint32 writes a long.
func (b *ArgBuilder) Uint32(v uint32) *ArgBuilder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// Uint64 writes a longlong.
func (b *ArgBuilder) Uint64(v uint64) *ArgBuilder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// Bits packs consecutive bit fields into octets, least significant bit first:
// Bits(true, false, true) writes 0b00000101.
func (b *ArgBuilder) Bits(flags ...bool) *ArgBuilder {
	var packed byte
	for i, flag := range flags {
		if flag {
			packed |= 1 << uint(i%8)
		}
		if i%8 == 7 || i == len(flags)-1 {
			b.buf.WriteByte(packed)
			packed = 0
		}
	}
	return b
}

// ShortString writes a short string.
func (b *ArgBuilder) ShortString(s string) *ArgBuilder {
	if err := protocol.WriteShortString(&b.buf, s); err != nil && b.err == nil {
		b.err = err
	}
	return b
}

// LongString writes a long string.
func (b *ArgBuilder) LongString(data []byte) *ArgBuilder {
	protocol.WriteLongString(&b.buf, data)
	return b
}

// Table writes a field table.
func (b *ArgBuilder) Table(t protocol.Table) *ArgBuilder {
	if err := protocol.WriteTable(&b.buf, t); err != nil && b.err == nil {
		b.err = err
	}
	return b
}

// Bytes returns the encoded arguments or the first encoding error.
func (b *ArgBuilder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.buf.Bytes(), nil
}
