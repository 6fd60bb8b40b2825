package wire

import (
	"io"
	"net"
	"sync"
	"time"
)

// Limiter grants bandwidth to read/write batches. A zero grant means
// the caller should back off and retry; it is a deferral, not an
// error.
type Limiter interface {
	TryConsume(upload bool, n int) int
}

// unlimited is the Limiter used when no rate cap is configured.
type unlimited struct{}

func (unlimited) TryConsume(upload bool, n int) int { return n }

var Unlimited Limiter = unlimited{}

type Wire interface {
	// Reading
	ReadHandshake() (*Handshake, error)
	ReadMessage() (*Message, error)

	// Writing
	SendHandshake(infoHash, peerID []byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error
	SendPort(port uint16) error
	SendExtended(extendedID uint8, payload []byte) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	Close()
}

type wire struct {
	sendMutex       sync.Mutex
	conn            net.Conn
	timeoutDuration time.Duration
	lastMessageSent time.Time
	decoder         *Decoder
	limiter         Limiter
	readBuf         []byte
}

// NewWire wraps a byte stream in the peer-wire message protocol. The
// connection may be a raw TCP stream or an encrypting wrapper; the
// codec only needs net.Conn semantics.
func NewWire(conn net.Conn, timeoutDuration time.Duration, limiter Limiter) Wire {
	if limiter == nil {
		limiter = Unlimited
	}
	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
		decoder:         NewDecoder(MAX_FRAME_LENGTH, true),
		limiter:         limiter,
		readBuf:         make([]byte, 16384),
	}
}

func (w *wire) GetLastMessageSent() time.Time {
	w.sendMutex.Lock()
	defer w.sendMutex.Unlock()
	return w.lastMessageSent
}

func (w *wire) Close() {
	w.conn.Close()
}

func (w *wire) ReadHandshake() (*Handshake, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	data := make([]byte, HANDSHAKE_LENGTH)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return nil, ErrBadHandshake
	}
	return ParseHandshake(data)
}

// ReadMessage returns the next fully-framed message, pulling more bytes
// from the connection as needed. Reads are batched through the limiter
// so a congested swarm stops pulling from its sockets.
func (w *wire) ReadMessage() (*Message, error) {
	for {
		msg, err := w.decoder.Next()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		grant := w.limiter.TryConsume(false, len(w.readBuf))
		if grant == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
		n, err := w.conn.Read(w.readBuf[:grant])
		if n > 0 {
			w.decoder.Feed(w.readBuf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

func (w *wire) SendHandshake(infoHash, peerID []byte) error {
	return w.sendBytes(NewHandshake(infoHash, peerID).Encode())
}

func (w *wire) SendKeepAlive() error {
	return w.sendBytes((&Message{KeepAlive: true}).Encode())
}

func (w *wire) SendChoke() error {
	return w.sendBytes((&Message{ID: CHOKE}).Encode())
}

func (w *wire) SendUnchoke() error {
	return w.sendBytes((&Message{ID: UNCHOKE}).Encode())
}

func (w *wire) SendInterested() error {
	return w.sendBytes((&Message{ID: INTERESTED}).Encode())
}

func (w *wire) SendUnInterested() error {
	return w.sendBytes((&Message{ID: NOT_INTERESTED}).Encode())
}

func (w *wire) SendHave(pieceIndex int) error {
	return w.sendBytes((&Message{ID: HAVE, Index: pieceIndex}).Encode())
}

func (w *wire) SendBitField(bitfield []byte) error {
	return w.sendBytes((&Message{ID: BITFIELD, BitField: bitfield}).Encode())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.sendBytes((&Message{ID: REQUEST, Index: pieceIndex, Begin: begin, Length: length}).Encode())
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	return w.sendBytes((&Message{ID: BLOCK, Index: pieceIndex, Begin: begin, Data: block}).Encode())
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.sendBytes((&Message{ID: CANCEL, Index: pieceIndex, Begin: begin, Length: length}).Encode())
}

func (w *wire) SendPort(port uint16) error {
	return w.sendBytes((&Message{ID: PORT, Port: port}).Encode())
}

func (w *wire) SendExtended(extendedID uint8, payload []byte) error {
	return w.sendBytes((&Message{ID: EXTENDED, ExtendedID: extendedID, ExtendedPayload: payload}).Encode())
}

// sendBytes writes one encoded message. A rate-limited grant can split
// the message across several conn writes, so the whole loop holds the
// send mutex: concurrent senders (keep-alive, choke loop, block
// uploads) must never interleave partial frames on the stream.
func (w *wire) sendBytes(msg []byte) error {
	w.sendMutex.Lock()
	defer w.sendMutex.Unlock()

	w.lastMessageSent = time.Now()
	for len(msg) > 0 {
		grant := w.limiter.TryConsume(true, len(msg))
		if grant == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
		n, err := w.conn.Write(msg[:grant])
		if err != nil {
			return err
		}
		msg = msg[n:]
	}
	return nil
}
