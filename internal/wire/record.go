// Package wire defines the fixed-size record exchanged through a mailbox.
//
// Layout (little-endian, 24 bytes):
//
//	0   origin   u32   caller task id; replies carry it back unchanged
//	4   tag      u32   operation tag
//	8   payload  [8]u16
//
// Replies reserve payload word 0 for the Status; the remaining words carry
// the result.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// PayloadWords is the number of u16 payload words in a record.
	PayloadWords = 8
	// RecordSize is the encoded size in bytes.
	RecordSize = 8 + 2*PayloadWords
	// ReplyWords is the number of result words available in a reply.
	ReplyWords = PayloadWords - 1
)

// Payload is the fixed payload array.
type Payload [PayloadWords]uint16

// Record is one request or reply. It is copied by value.
type Record struct {
	Origin  uint32
	Tag     uint32
	Payload Payload
}

// Encode writes r into b, which must hold RecordSize bytes.
func (r *Record) Encode(b []byte) {
	_ = b[RecordSize-1]
	binary.LittleEndian.PutUint32(b[0:], r.Origin)
	binary.LittleEndian.PutUint32(b[4:], r.Tag)
	for i, w := range r.Payload {
		binary.LittleEndian.PutUint16(b[8+2*i:], w)
	}
}

// Decode reads a record from b, which must hold RecordSize bytes.
func Decode(b []byte) Record {
	_ = b[RecordSize-1]
	r := Record{
		Origin: binary.LittleEndian.Uint32(b[0:]),
		Tag:    binary.LittleEndian.Uint32(b[4:]),
	}
	for i := range r.Payload {
		r.Payload[i] = binary.LittleEndian.Uint16(b[8+2*i:])
	}
	return r
}

// Op returns the decoded tag.
func (r *Record) Op() Tag { return DecodeTag(r.Tag) }

// Status returns the status word of a reply.
func (r *Record) Status() Status { return Status(r.Payload[0]) }

// Result returns the result words of a reply.
func (r *Record) Result() [ReplyWords]uint16 {
	var out [ReplyWords]uint16
	copy(out[:], r.Payload[1:])
	return out
}

// Reply builds the reply to r with the given status and result words.
// Extra result words beyond ReplyWords are dropped.
func (r *Record) Reply(st Status, result ...uint16) Record {
	out := Record{Origin: r.Origin, Tag: r.Tag}
	out.Payload[0] = uint16(st)
	copy(out.Payload[1:], result)
	return out
}

func (r Record) String() string {
	return fmt.Sprintf("{origin=%d tag=%s payload=%v}", r.Origin, DecodeTag(r.Tag), r.Payload)
}
