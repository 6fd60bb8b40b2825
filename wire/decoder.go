package wire

import (
	"bytes"
	"encoding/binary"
)

// Decoder reassembles length-prefixed frames from a byte stream that
// arrives in arbitrary chunks. Incomplete frames stay buffered until
// the rest shows up; no message is surfaced until fully framed.
type Decoder struct {
	buf        bytes.Buffer
	maxFrame   int
	extensions bool
}

func NewDecoder(maxFrame int, extensions bool) *Decoder {
	if maxFrame <= 0 {
		maxFrame = MAX_FRAME_LENGTH
	}
	return &Decoder{
		maxFrame:   maxFrame,
		extensions: extensions,
	}
}

// Feed appends newly-arrived bytes to the frame buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Next returns the next fully-buffered message, or nil when the buffer
// holds no complete frame yet. A nil message with a nil error means
// "feed me more bytes". Errors are terminal for the stream.
func (d *Decoder) Next() (*Message, error) {
	data := d.buf.Bytes()
	if len(data) < 4 {
		return nil, nil
	}
	length := int(binary.BigEndian.Uint32(data[0:4]))
	if length > d.maxFrame {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		d.buf.Next(4)
		return &Message{KeepAlive: true}, nil
	}
	if len(data) < 4+length {
		return nil, nil
	}
	id := data[4]
	payload := make([]byte, length-1)
	copy(payload, data[5:4+length])
	d.buf.Next(4 + length)
	return parseMessage(id, payload, d.extensions)
}

// Buffered reports how many bytes are waiting for frame completion.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}
