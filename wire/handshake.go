package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	PROTOCOL_NAME    = "BitTorrent protocol"
	HANDSHAKE_LENGTH = 1 + 19 + 8 + 20 + 20
)

var (
	ErrBadHandshake = fmt.Errorf("malformed handshake")
)

// 1 + 19 + 8 + 20 + 20
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds an outgoing greeting. The extension-protocol bit
// (BEP 10) is set in the reserved field.
func NewHandshake(infoHash, peerID []byte) *Handshake {
	h := &Handshake{Len: 19}
	copy(h.Protocol[:], PROTOCOL_NAME)
	h.Reserved[5] |= 0x10
	copy(h.InfoHash[:], infoHash)
	copy(h.PeerID[:], peerID)
	return h
}

func (h *Handshake) Encode() []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, h)
	return b.Bytes()
}

// SupportsExtended reports whether the remote set the BEP 10 reserved
// bit.
func (h *Handshake) SupportsExtended() bool {
	return h.Reserved[5]&0x10 != 0
}

// ParseHandshake validates the fixed greeting layout. Anything that is
// not exactly "pstrlen 19 + protocol string" is a protocol mismatch.
func ParseHandshake(data []byte) (*Handshake, error) {
	if len(data) != HANDSHAKE_LENGTH {
		return nil, ErrBadHandshake
	}
	h := &Handshake{}
	if err := binary.Read(bytes.NewBuffer(data), binary.BigEndian, h); err != nil {
		return nil, ErrBadHandshake
	}
	if h.Len != 19 || string(h.Protocol[:]) != PROTOCOL_NAME {
		return nil, ErrBadHandshake
	}
	return h, nil
}
