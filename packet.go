package pnet

import (
	"bytes"
	"fmt"
)

// Type is the semantic hint carried by every packet.
type Type uint8

// Packet types. The wire encoding is the ordinal value.
const (
	Request Type = iota
	Reply
)

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool {
	return t == Request || t == Reply
}

func (t Type) String() string {
	switch t {
	case Request:
		return "Request"
	case Reply:
		return "Reply"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Packet is the framed unit of communication. A Packet is immutable: the
// slice returned by Data must not be modified.
type Packet struct {
	typ  Type
	id   int16
	data []byte
}

// NewPacket creates a packet holding a copy of data.
func NewPacket(t Type, id int16, data []byte) Packet {
	var buf []byte
	if len(data) > 0 {
		buf = make([]byte, len(data))
		copy(buf, data)
	}
	return Packet{typ: t, id: id, data: buf}
}

// newPacketNoCopy takes ownership of data.
func newPacketNoCopy(t Type, id int16, data []byte) Packet {
	return Packet{typ: t, id: id, data: data}
}

// Type returns the packet type.
func (p Packet) Type() Type { return p.typ }

// ID returns the application-chosen packet id.
func (p Packet) ID() int16 { return p.id }

// Data returns the payload. Callers must treat it as read-only.
func (p Packet) Data() []byte { return p.data }

// Len returns the payload length.
func (p Packet) Len() int { return len(p.data) }

// IsRequest reports whether p is a Request.
func (p Packet) IsRequest() bool { return p.typ == Request }

// IsReply reports whether p is a Reply.
func (p Packet) IsReply() bool { return p.typ == Reply }

// Equal reports whether p and q have the same type, id and payload.
func (p Packet) Equal(q Packet) bool {
	return p.typ == q.typ && p.id == q.id && bytes.Equal(p.data, q.data)
}

func (p Packet) String() string {
	return fmt.Sprintf("Type: [%s] ID: [%d] Data: [%d bytes]", p.typ, p.id, len(p.data))
}
