package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
	EXTENDED       = 20
)

var (
	// MAX_FRAME_LENGTH caps the advertised length prefix of a single
	// frame. A block message carries at most 16KiB of payload plus
	// nine bytes of header; anything past 128KiB is a peer trying to
	// exhaust our memory.
	MAX_FRAME_LENGTH = 131072

	ErrFrameTooLarge  = fmt.Errorf("frame length exceeds maximum")
	ErrUnknownMessage = fmt.Errorf("unknown message id")
	ErrBadLength      = fmt.Errorf("payload length does not match message id")
)

// Message is one decoded peer-wire message. ID selects which of the
// remaining fields carry meaning.
type Message struct {
	KeepAlive bool
	ID        uint8

	Index    int    // HAVE, REQUEST, BLOCK, CANCEL
	Begin    int    // REQUEST, BLOCK, CANCEL
	Length   int    // REQUEST, CANCEL
	Data     []byte // BLOCK
	BitField []byte // BITFIELD
	Port     uint16 // PORT

	ExtendedID      uint8  // EXTENDED
	ExtendedPayload []byte // EXTENDED
}

// parseMessage validates a fully-framed payload against its message id.
// Payload lengths are exact for the fixed-size messages; a mismatch is
// a protocol violation, not something to paper over.
func parseMessage(id uint8, payload []byte, extensions bool) (*Message, error) {
	m := &Message{ID: id}
	switch id {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		if len(payload) != 0 {
			return nil, ErrBadLength
		}
	case HAVE:
		if len(payload) != 4 {
			return nil, ErrBadLength
		}
		m.Index = int(binary.BigEndian.Uint32(payload))
	case BITFIELD:
		m.BitField = payload
	case REQUEST, CANCEL:
		if len(payload) != 12 {
			return nil, ErrBadLength
		}
		m.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		m.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		m.Length = int(binary.BigEndian.Uint32(payload[8:12]))
	case BLOCK:
		if len(payload) < 8 {
			return nil, ErrBadLength
		}
		m.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		m.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		m.Data = payload[8:]
	case PORT:
		if len(payload) != 2 {
			return nil, ErrBadLength
		}
		m.Port = binary.BigEndian.Uint16(payload)
	case EXTENDED:
		if !extensions {
			return nil, ErrUnknownMessage
		}
		if len(payload) < 1 {
			return nil, ErrBadLength
		}
		m.ExtendedID = payload[0]
		m.ExtendedPayload = payload[1:]
	default:
		return nil, ErrUnknownMessage
	}
	return m, nil
}

// Encode produces the canonical byte layout of the message: a 4-byte
// big-endian length prefix (excluding itself), the message id and the
// payload in wire order.
func (m *Message) Encode() []byte {
	b := &bytes.Buffer{}
	if m.KeepAlive {
		binary.Write(b, binary.BigEndian, int32(0))
		return b.Bytes()
	}
	switch m.ID {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		binary.Write(b, binary.BigEndian, int32(1))
		binary.Write(b, binary.BigEndian, uint8(m.ID))
	case HAVE:
		binary.Write(b, binary.BigEndian, int32(5))
		binary.Write(b, binary.BigEndian, uint8(HAVE))
		binary.Write(b, binary.BigEndian, int32(m.Index))
	case BITFIELD:
		binary.Write(b, binary.BigEndian, int32(1+len(m.BitField)))
		binary.Write(b, binary.BigEndian, uint8(BITFIELD))
		binary.Write(b, binary.BigEndian, m.BitField)
	case REQUEST, CANCEL:
		binary.Write(b, binary.BigEndian, int32(13))
		binary.Write(b, binary.BigEndian, uint8(m.ID))
		binary.Write(b, binary.BigEndian, int32(m.Index))
		binary.Write(b, binary.BigEndian, int32(m.Begin))
		binary.Write(b, binary.BigEndian, int32(m.Length))
	case BLOCK:
		binary.Write(b, binary.BigEndian, int32(9+len(m.Data)))
		binary.Write(b, binary.BigEndian, uint8(BLOCK))
		binary.Write(b, binary.BigEndian, int32(m.Index))
		binary.Write(b, binary.BigEndian, int32(m.Begin))
		binary.Write(b, binary.BigEndian, m.Data)
	case PORT:
		binary.Write(b, binary.BigEndian, int32(3))
		binary.Write(b, binary.BigEndian, uint8(PORT))
		binary.Write(b, binary.BigEndian, m.Port)
	case EXTENDED:
		binary.Write(b, binary.BigEndian, int32(2+len(m.ExtendedPayload)))
		binary.Write(b, binary.BigEndian, uint8(EXTENDED))
		binary.Write(b, binary.BigEndian, m.ExtendedID)
		binary.Write(b, binary.BigEndian, m.ExtendedPayload)
	}
	return b.Bytes()
}
