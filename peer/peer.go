package peer

import (
	"bytes"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/FallenWarrior2k/transmission/piece"
	"github.com/FallenWarrior2k/transmission/stats"
	"github.com/FallenWarrior2k/transmission/storage"
	"github.com/FallenWarrior2k/transmission/torrent"
	"github.com/FallenWarrior2k/transmission/wire"
	bitmap "github.com/boljen/go-bitmap"
)

var (
	BLOCK_READ_REQUEST_DELAY = 2 * time.Second
	DIAL_TIMEOUT             = 10 * time.Second
	HANDSHAKE_TIMEOUT        = 20 * time.Second
	KEEP_ALIVE_INTERVAL      = time.Minute
)

// Connection lifecycle. FAILED is not a distinct state; failures pass
// through CLOSING with a non-graceful reason.
type ConnState int

const (
	CONNECTING ConnState = iota
	HANDSHAKING
	ACTIVE
	CLOSING
	CLOSED
)

// CloseReason classifies why a connection died. Connection failures
// are always isolated to the connection; none of them abort the
// torrent.
type CloseReason int

const (
	GRACEFUL CloseReason = iota
	PROTOCOL_VIOLATION
	TIMEOUT
	TRANSPORT_ERROR
)

func (r CloseReason) String() string {
	switch r {
	case PROTOCOL_VIOLATION:
		return "protocol violation"
	case TIMEOUT:
		return "timeout"
	case TRANSPORT_ERROR:
		return "transport error"
	default:
		return "graceful"
	}
}

// connState are the four independent choke/interest flags, one pair
// per direction.
type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

type Peer interface {
	Start()
	Stop(reason CloseReason)
	GetPeerInfo() (id string, state connState, lastPiece int64)
	GetWire() wire.Wire
	SendChoke() error
	SendUnchoke() error
	SendHave(pieceIndex int) error
	SendCancel(pieceIndex, begin, length int) error
}

var newWire = wire.NewWire

type peer struct {
	sync.Mutex
	id                    string
	connState             ConnState
	state                 connState
	closed                bool
	closeReason           CloseReason
	storage               storage.Storage
	torrent               *torrent.Torrent
	peerMgr               PeerManager
	pieceMgr              piece.PieceManager
	wire                  wire.Wire
	stats                 stats.Stats
	limiter               wire.Limiter
	timeout               time.Duration
	readRequestCancelChan map[string]chan int
	peerBitfield          *bitmap.Bitmap
	remotePeerID          []byte
	supportsExtended      bool
	lastPiece             int64
	firstMessage          bool
}

func NewPeer(
	id string,
	w wire.Wire,
	tor *torrent.Torrent,
	store storage.Storage,
	peerMgr PeerManager,
	pieceMgr piece.PieceManager,
	st stats.Stats,
	limiter wire.Limiter,
	timeout time.Duration) *peer {

	return &peer{
		id:                    id,
		connState:             CONNECTING,
		wire:                  w,
		torrent:               tor,
		storage:               store,
		peerMgr:               peerMgr,
		pieceMgr:              pieceMgr,
		stats:                 st,
		limiter:               limiter,
		timeout:               timeout,
		readRequestCancelChan: make(map[string]chan int),
		firstMessage:          true,
		state: connState{
			peerChoking:      true,
			clientChoking:    true,
			peerInterested:   false,
			clientInterested: false,
		},
	}
}

func (p *peer) GetWire() wire.Wire {
	p.Lock()
	defer p.Unlock()
	return p.wire
}

func (p *peer) GetPeerInfo() (string, connState, int64) {
	p.Lock()
	defer p.Unlock()
	return p.id, p.state, p.lastPiece
}

// Stop tears the connection down exactly once: outstanding requests go
// back to the scheduler pool, rarity counters lose this peer's bitmap,
// and the swarm is told so it can fetch a replacement.
func (p *peer) Stop(reason CloseReason) {
	p.Lock()
	if p.closed {
		p.Unlock()
		return
	}
	p.closed = true
	p.closeReason = reason
	p.connState = CLOSING
	w := p.wire
	bf := p.peerBitfield
	for _, quit := range p.readRequestCancelChan {
		close(quit)
	}
	p.readRequestCancelChan = make(map[string]chan int)
	p.Unlock()

	if reason != GRACEFUL {
		log.Printf("peer %s closed: %s", p.id, reason)
	}
	p.pieceMgr.PeerStopped(p.id, bf)
	p.stats.RemovePeer(p.id)
	p.peerMgr.RemovePeer(p.id, reason)
	if w != nil {
		w.Close()
	}
	p.Lock()
	p.connState = CLOSED
	p.Unlock()
}

func (p *peer) isClosed() bool {
	p.Lock()
	defer p.Unlock()
	return p.closed
}

func (p *peer) Start() {
	if p.GetWire() == nil {
		conn, err := net.DialTimeout("tcp4", p.id, DIAL_TIMEOUT)
		if err != nil {
			p.Stop(TRANSPORT_ERROR)
			return
		}
		p.Lock()
		p.wire = newWire(conn, p.timeout, p.limiter)
		p.Unlock()
	}
	w := p.GetWire()

	p.Lock()
	p.connState = HANDSHAKING
	p.Unlock()

	// Send then read the fixed greeting. A mismatched infohash or a
	// malformed greeting within the deadline is a protocol mismatch.
	if err := w.SendHandshake(p.torrent.InfoHash, torrent.PEER_ID); err != nil {
		p.Stop(TRANSPORT_ERROR)
		return
	}
	hs, err := w.ReadHandshake()
	if err != nil {
		p.Stop(PROTOCOL_VIOLATION)
		return
	}
	if !bytes.Equal(hs.InfoHash[:], p.torrent.InfoHash) {
		p.Stop(PROTOCOL_VIOLATION)
		return
	}
	p.Lock()
	p.remotePeerID = hs.PeerID[:]
	p.supportsExtended = hs.SupportsExtended()
	p.connState = ACTIVE
	p.Unlock()

	// keep-alive thread
	go func() {
		for {
			now := <-time.After(KEEP_ALIVE_INTERVAL)
			if p.isClosed() {
				return
			}
			// Send a keep alive if we haven't sent a message in over a minute
			if w.GetLastMessageSent().Before(now.Add(-KEEP_ALIVE_INTERVAL)) {
				if err := w.SendKeepAlive(); err != nil {
					return
				}
			}
		}
	}()

	// send bitfield
	if err := w.SendBitField(p.pieceMgr.GetBitField()); err != nil {
		p.Stop(TRANSPORT_ERROR)
		return
	}

	// message pump: one message at a time, strictly in arrival order
	for {
		msg, err := w.ReadMessage()
		if err != nil {
			if p.isClosed() {
				return
			}
			p.Stop(closeReasonFor(err))
			return
		}
		if msg.KeepAlive {
			// resets the idle deadline as a side effect of the read; it
			// still counts as the first post-handshake message, so a
			// bitfield after it is out of order
			p.Lock()
			p.firstMessage = false
			p.Unlock()
			continue
		}
		if !p.dispatch(msg) {
			return
		}
		p.Lock()
		p.firstMessage = false
		p.Unlock()
	}
}

// closeReasonFor maps a read failure onto the error taxonomy: decoder
// rejections are protocol violations (an oversized frame is a peer
// attacking our memory, closed the same way), deadline expiries are
// timeouts, everything else is transport.
func closeReasonFor(err error) CloseReason {
	if errors.Is(err, wire.ErrFrameTooLarge) ||
		errors.Is(err, wire.ErrUnknownMessage) ||
		errors.Is(err, wire.ErrBadLength) {
		return PROTOCOL_VIOLATION
	}
	var neterr net.Error
	if errors.As(err, &neterr) && neterr.Timeout() {
		return TIMEOUT
	}
	return TRANSPORT_ERROR
}

// dispatch handles one decoded message. Returns false when the
// connection has been stopped.
func (p *peer) dispatch(msg *wire.Message) bool {
	switch msg.ID {
	case wire.CHOKE:
		p.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = true
		p.Unlock()
		if !wasChoking {
			// Requests do not survive a choke: hand every outstanding
			// block straight back to the scheduler pool.
			p.pieceMgr.PeerChoked(p.id)
		}
	case wire.UNCHOKE:
		p.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = false
		interested := p.state.clientInterested
		p.Unlock()
		if wasChoking && interested {
			if !p.refill() {
				return false
			}
		}
	case wire.INTERESTED:
		p.Lock()
		p.state.peerInterested = true
		p.Unlock()
	case wire.NOT_INTERESTED:
		p.Lock()
		p.state.peerInterested = false
		p.Unlock()
	case wire.HAVE:
		if msg.Index < 0 || msg.Index >= p.torrent.NumPieces {
			p.Stop(PROTOCOL_VIOLATION)
			return false
		}
		p.Lock()
		if p.peerBitfield == nil {
			bf := bitmap.New(p.torrent.NumPieces)
			p.peerBitfield = &bf
		}
		known := p.peerBitfield.Get(msg.Index)
		p.peerBitfield.Set(msg.Index, true)
		p.Unlock()
		if known {
			// repeated advertisement; counting it again would leave the
			// rarity counter above the number of peers holding the piece
			break
		}
		if p.pieceMgr.PieceHave(p.id, msg.Index) {
			if !p.becomeInterested() {
				return false
			}
		}
	case wire.BITFIELD:
		// only valid as the first message after the handshake
		p.Lock()
		first := p.firstMessage
		p.Unlock()
		if !first {
			p.Stop(PROTOCOL_VIOLATION)
			return false
		}
		if len(msg.BitField) != (p.torrent.NumPieces+7)/8 {
			p.Stop(PROTOCOL_VIOLATION)
			return false
		}
		bf := bitmap.New(p.torrent.NumPieces)
		interesting := false
		for pieceIndex := 0; pieceIndex < p.torrent.NumPieces; pieceIndex++ {
			if bitmap.Get(msg.BitField, pieceIndex) {
				bf.Set(pieceIndex, true)
				if p.pieceMgr.PieceHave(p.id, pieceIndex) {
					interesting = true
				}
			}
		}
		p.Lock()
		p.peerBitfield = &bf
		p.Unlock()
		if interesting {
			if !p.becomeInterested() {
				return false
			}
		}
	case wire.REQUEST:
		p.handleRequest(msg)
	case wire.BLOCK:
		return p.handleBlock(msg)
	case wire.CANCEL:
		p.Lock()
		requestID := requestKey(msg.Index, msg.Begin, msg.Length)
		if quit, ok := p.readRequestCancelChan[requestID]; ok {
			close(quit)
			delete(p.readRequestCancelChan, requestID)
		}
		p.Unlock()
	case wire.PORT:
		// DHT port advertisement; discovery lives outside this engine
	case wire.EXTENDED:
		// Capability negotiation payloads are bencoded dictionaries;
		// nothing here depends on them yet, and an extended message
		// after a negotiated handshake bit is never fatal.
	}
	return true
}

func (p *peer) becomeInterested() bool {
	p.Lock()
	already := p.state.clientInterested
	p.state.clientInterested = true
	choked := p.state.peerChoking
	p.Unlock()
	if !already {
		if err := p.GetWire().SendInterested(); err != nil {
			p.Stop(TRANSPORT_ERROR)
			return false
		}
	}
	if !choked {
		return p.refill()
	}
	return true
}

// refill tops up the request pipeline and keeps the interest flag in
// step with what the scheduler reports: when the peer has nothing left
// that the client wants, NOT_INTERESTED goes out and the flag drops, so
// a later HAVE can raise interest again with a real INTERESTED.
func (p *peer) refill() bool {
	p.Lock()
	bf := p.peerBitfield
	p.Unlock()
	interested, err := p.pieceMgr.SendBlockRequests(p.id, p.GetWire(), bf)
	if err != nil {
		p.Stop(TRANSPORT_ERROR)
		return false
	}
	if interested {
		return true
	}
	p.Lock()
	was := p.state.clientInterested
	p.state.clientInterested = false
	p.Unlock()
	if was {
		if err := p.GetWire().SendUnInterested(); err != nil {
			p.Stop(TRANSPORT_ERROR)
			return false
		}
	}
	return true
}

func requestKey(pieceIndex, begin, length int) string {
	return strconv.Itoa(pieceIndex) + "/" + strconv.Itoa(begin) + "/" + strconv.Itoa(length)
}

// handleRequest serves a block the peer asked for, if policy allows.
// Disallowed or unservable requests are ignored rather than treated as
// violations; the peer may simply have raced our choke.
func (p *peer) handleRequest(msg *wire.Message) {
	p.Lock()
	allowed := !p.state.clientChoking && p.state.peerInterested
	p.Unlock()
	if !allowed {
		return
	}
	if msg.Index < 0 || msg.Index >= p.torrent.NumPieces ||
		msg.Length <= 0 || msg.Length > piece.BLOCK_SIZE ||
		msg.Begin < 0 || msg.Begin+msg.Length > p.torrent.PieceSize(msg.Index) {
		p.Stop(PROTOCOL_VIOLATION)
		return
	}
	if !bitmap.Get(p.pieceMgr.GetBitField(), msg.Index) {
		// we do not have the piece verified; ignore
		return
	}

	// Delay the disk read slightly so a prompt cancel costs nothing.
	requestID := requestKey(msg.Index, msg.Begin, msg.Length)
	quit := make(chan int)
	p.Lock()
	p.readRequestCancelChan[requestID] = quit
	p.Unlock()
	go func() {
		select {
		case <-quit:
			return
		case <-time.After(BLOCK_READ_REQUEST_DELAY):
			p.Lock()
			delete(p.readRequestCancelChan, requestID)
			p.Unlock()
			block, err := p.storage.BlockReadRequest(msg.Index, msg.Begin, msg.Length)
			if err != nil {
				p.Stop(TRANSPORT_ERROR)
				return
			}
			if err := p.GetWire().SendBlock(msg.Index, msg.Begin, block); err != nil {
				p.Stop(TRANSPORT_ERROR)
				return
			}
			p.stats.UpdatePeer(p.id, msg.Length, 0)
		}
	}()
}

// handleBlock feeds an arrived block to the scheduler, withdraws any
// now-redundant endgame requests, and refills the pipeline.
func (p *peer) handleBlock(msg *wire.Message) bool {
	receipt, err := p.pieceMgr.WriteBlock(p.id, msg.Index, msg.Begin, msg.Data)
	if err != nil {
		p.Stop(PROTOCOL_VIOLATION)
		return false
	}
	p.peerMgr.SendCancels(receipt.Cancels)
	p.stats.UpdatePeer(p.id, 0, len(msg.Data))

	p.Lock()
	p.lastPiece = time.Now().Unix()
	choked := p.state.peerChoking
	interested := p.state.clientInterested
	p.Unlock()

	if !choked && interested {
		return p.refill()
	}
	return true
}

func (p *peer) SendChoke() error {
	p.Lock()
	p.state.clientChoking = true
	w := p.wire
	p.Unlock()
	if w == nil {
		return nil
	}
	return w.SendChoke()
}

func (p *peer) SendUnchoke() error {
	p.Lock()
	p.state.clientChoking = false
	w := p.wire
	p.Unlock()
	if w == nil {
		return nil
	}
	return w.SendUnchoke()
}

func (p *peer) SendHave(pieceIndex int) error {
	w := p.GetWire()
	if w == nil {
		return nil
	}
	return w.SendHave(pieceIndex)
}

func (p *peer) SendCancel(pieceIndex, begin, length int) error {
	w := p.GetWire()
	if w == nil {
		return nil
	}
	return w.SendCancel(pieceIndex, begin, length)
}
