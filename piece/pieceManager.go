package piece

import (
	"time"

	"github.com/FallenWarrior2k/transmission/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
)

var (
	BLOCK_SIZE = 16384 // 2^14
)

// Piece states. A piece only ever reaches VERIFIED through a
// successful hash check; a failed check resets it to MISSING with all
// blocks discarded.
const (
	MISSING = iota
	PARTIAL
	HASH_PENDING
	VERIFIED
)

// Policy carries the tunables the picker is parameterized on. The
// endgame trigger and duplicate cap are deployment configuration, not
// fixed constants.
type Policy struct {
	PipelineMin       int           // outstanding requests per peer, floor
	PipelineMax       int           // outstanding requests per peer, ceiling
	EndgameThreshold  int           // missing-block count that flips endgame on
	EndgameDuplicates int           // max concurrent requests for one block in endgame
	RequestTimeout    time.Duration // outstanding request considered lost after this
	RandomFirstPiece  bool          // random instead of rarest pick while nothing is verified
}

func DefaultPolicy() Policy {
	return Policy{
		PipelineMin:       5,
		PipelineMax:       50,
		EndgameThreshold:  20,
		EndgameDuplicates: 2,
		RequestTimeout:    60 * time.Second,
		RandomFirstPiece:  true,
	}
}

// Cancel names an outstanding request made redundant by a block that
// arrived from another peer first.
type Cancel struct {
	PeerID     string
	PieceIndex int
	Begin      int
	Length     int
}

// BlockReceipt is what WriteBlock hands back to the connection that
// delivered the block.
type BlockReceipt struct {
	Cancels []Cancel // duplicate endgame requests to withdraw
}

// Listener receives piece lifecycle events on the manager's serialized
// update path.
type Listener interface {
	PieceVerified(pieceIndex int)
	PieceCorrupt(pieceIndex int, peers mapset.Set)
}

type PieceManager interface {
	GetBitField() (clientBitfield []byte)
	GetPiecesVerified() (piecesVerified int)
	BytesVerified() int
	MissingBlocks() int
	InEndgame() bool
	Done() bool
	Availability(pieceIndex int) int
	SetPiecePriority(pieceIndex, priority int)
	SetListener(l Listener)

	PeerChoked(id string)
	PeerStopped(id string, peerBitfield *bitmap.Bitmap)
	PieceHave(id string, pieceIndex int) (interesting bool)
	WriteBlock(id string, pieceIndex, begin int, data []byte) (*BlockReceipt, error)
	SendBlockRequests(id string, w wire.Wire, peerBitfield *bitmap.Bitmap) (interested bool, err error)
	Tick(now time.Time)
	Stop()
}
