package piece

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/FallenWarrior2k/transmission/storage"
	"github.com/FallenWarrior2k/transmission/torrent"
	"github.com/FallenWarrior2k/transmission/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
)

type blockRef struct {
	piece int
	block int
}

type blockInfo struct {
	received    bool
	data        []byte
	owners      mapset.Set // peer ids with an outstanding request for this block
	requestedAt time.Time
}

type pieceInfo struct {
	state        int
	priority     int
	availability int
	generation   uint64
	blocks       []*blockInfo
	contributors mapset.Set // peers whose data ended up in this piece
	received     int
	requested    int
}

type peerInfo struct {
	outstanding map[blockRef]time.Time
	pipeline    int
	fastStreak  int
}

type rarestFirst struct {
	sync.Mutex
	policy               Policy
	clientBitField       bitmap.Bitmap
	tor                  *torrent.Torrent
	storage              storage.Storage
	verifier             *Verifier
	listener             Listener
	numBlocks            int
	numBlocksInLastPiece int
	lengthOfLastBlock    int
	pieceInfo            []*pieceInfo
	peers                map[string]*peerInfo
	missingBlocks        int
	piecesVerified       int
	stopped              bool
}

func NewRarestFirstPieceManager(
	tor *torrent.Torrent,
	store storage.Storage,
	clientBitField bitmap.Bitmap,
	policy Policy,
	hashWorkers int) PieceManager {

	bytesInLastPiece := tor.PieceSize(tor.NumPieces - 1)
	numBlocksInLastPiece := int(math.Ceil(float64(bytesInLastPiece) / float64(BLOCK_SIZE)))
	lengthOfLastBlock := bytesInLastPiece - (numBlocksInLastPiece-1)*BLOCK_SIZE
	pm := &rarestFirst{
		policy:               policy,
		clientBitField:       clientBitField,
		tor:                  tor,
		storage:              store,
		numBlocks:            tor.MetaInfo.Info.PieceLength / BLOCK_SIZE,
		numBlocksInLastPiece: numBlocksInLastPiece,
		lengthOfLastBlock:    lengthOfLastBlock,
		peers:                make(map[string]*peerInfo),
	}

	pis := make([]*pieceInfo, 0)
	for i := 0; i < tor.NumPieces; i++ {
		pi := &pieceInfo{priority: 1}
		pi.blocks = make([]*blockInfo, 0)
		for j := 0; j < pm.blocksIn(i); j++ {
			pi.blocks = append(pi.blocks, &blockInfo{owners: mapset.NewSet()})
		}
		pi.contributors = mapset.NewSet()
		if clientBitField.Get(i) {
			pi.state = VERIFIED
			pm.piecesVerified++
		} else {
			pm.missingBlocks += len(pi.blocks)
		}
		pis = append(pis, pi)
	}
	pm.pieceInfo = pis
	pm.verifier = NewVerifier(hashWorkers, pm.applyVerifyResult)

	return pm
}

func (pm *rarestFirst) blocksIn(pieceIndex int) int {
	if pieceIndex == pm.tor.NumPieces-1 {
		return pm.numBlocksInLastPiece
	}
	return pm.numBlocks
}

func (pm *rarestFirst) blockLength(pieceIndex, blockIndex int) int {
	if pieceIndex == pm.tor.NumPieces-1 && blockIndex == pm.numBlocksInLastPiece-1 {
		return pm.lengthOfLastBlock
	}
	return BLOCK_SIZE
}

func (pm *rarestFirst) SetListener(l Listener) {
	pm.Lock()
	defer pm.Unlock()

	pm.listener = l
}

func (pm *rarestFirst) GetBitField() []byte {
	pm.Lock()
	defer pm.Unlock()

	return pm.clientBitField.Data(true)
}

func (pm *rarestFirst) GetPiecesVerified() int {
	pm.Lock()
	defer pm.Unlock()

	return pm.piecesVerified
}

func (pm *rarestFirst) BytesVerified() int {
	pm.Lock()
	defer pm.Unlock()

	bytes := 0
	for i := 0; i < pm.tor.NumPieces; i++ {
		if pm.pieceInfo[i].state == VERIFIED {
			bytes += pm.tor.PieceSize(i)
		}
	}
	return bytes
}

func (pm *rarestFirst) MissingBlocks() int {
	pm.Lock()
	defer pm.Unlock()

	return pm.missingBlocks
}

func (pm *rarestFirst) InEndgame() bool {
	pm.Lock()
	defer pm.Unlock()

	return pm.inEndgame()
}

func (pm *rarestFirst) inEndgame() bool {
	return pm.missingBlocks > 0 && pm.missingBlocks <= pm.policy.EndgameThreshold
}

func (pm *rarestFirst) Done() bool {
	pm.Lock()
	defer pm.Unlock()

	return pm.piecesVerified == pm.tor.NumPieces
}

func (pm *rarestFirst) Availability(pieceIndex int) int {
	pm.Lock()
	defer pm.Unlock()

	return pm.pieceInfo[pieceIndex].availability
}

func (pm *rarestFirst) SetPiecePriority(pieceIndex, priority int) {
	pm.Lock()
	defer pm.Unlock()

	pm.pieceInfo[pieceIndex].priority = priority
}

// PieceHave bumps the rarity counter for a piece one peer just
// advertised and reports whether that makes the peer interesting.
func (pm *rarestFirst) PieceHave(id string, pieceIndex int) bool {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= pm.tor.NumPieces {
		return false
	}
	pm.pieceInfo[pieceIndex].availability++
	return !pm.clientBitField.Get(pieceIndex) && pm.pieceInfo[pieceIndex].priority > 0
}

// PeerChoked returns every request outstanding to that peer to the
// not-requested pool. Per the peer-wire protocol a choke drops
// requests; they are not assumed survivable.
func (pm *rarestFirst) PeerChoked(id string) {
	pm.Lock()
	defer pm.Unlock()

	pm.releaseOutstanding(id)
}

func (pm *rarestFirst) PeerStopped(id string, peerBitfield *bitmap.Bitmap) {
	pm.Lock()
	defer pm.Unlock()

	// Rarity counts only reflect peers we can still reach.
	if peerBitfield != nil {
		for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
			if peerBitfield.Get(pieceIndex) {
				pm.pieceInfo[pieceIndex].availability--
			}
		}
	}
	pm.releaseOutstanding(id)
	delete(pm.peers, id)
}

func (pm *rarestFirst) releaseOutstanding(id string) {
	peer, ok := pm.peers[id]
	if !ok {
		return
	}
	for ref := range peer.outstanding {
		block := pm.pieceInfo[ref.piece].blocks[ref.block]
		block.owners.Remove(id)
		if block.owners.Cardinality() == 0 && !block.received {
			pm.pieceInfo[ref.piece].requested--
		}
	}
	peer.outstanding = make(map[blockRef]time.Time)
}

// WriteBlock records one delivered block. Geometry violations come back
// as errors so the connection can close the peer; late deliveries for
// blocks that already arrived from elsewhere are absorbed silently.
func (pm *rarestFirst) WriteBlock(id string, pieceIndex, begin int, data []byte) (*BlockReceipt, error) {
	pm.Lock()

	if pieceIndex < 0 || pieceIndex >= pm.tor.NumPieces {
		pm.Unlock()
		return nil, fmt.Errorf("block for out-of-range piece %d", pieceIndex)
	}
	if begin < 0 || begin%BLOCK_SIZE != 0 {
		pm.Unlock()
		return nil, fmt.Errorf("block offset %d not on a block boundary", begin)
	}
	blockIndex := begin / BLOCK_SIZE
	if blockIndex >= pm.blocksIn(pieceIndex) {
		pm.Unlock()
		return nil, fmt.Errorf("block offset %d beyond piece %d", begin, pieceIndex)
	}
	if len(data) != pm.blockLength(pieceIndex, blockIndex) {
		pm.Unlock()
		return nil, fmt.Errorf("block length %d does not match geometry", len(data))
	}

	pi := pm.pieceInfo[pieceIndex]
	block := pi.blocks[blockIndex]
	ref := blockRef{piece: pieceIndex, block: blockIndex}
	wasRequested := block.Requested()

	// This peer's request (if any) is satisfied either way.
	if peer, ok := pm.peers[id]; ok {
		if requestedAt, out := peer.outstanding[ref]; out {
			delete(peer.outstanding, ref)
			pm.adjustPipeline(peer, time.Since(requestedAt))
		}
	}
	block.owners.Remove(id)

	if block.received || pi.state == VERIFIED || pi.state == HASH_PENDING {
		// Endgame duplicate that lost the race, or a delivery that
		// outlived a choke-reset. Drop it on the floor.
		pm.Unlock()
		return &BlockReceipt{}, nil
	}

	receipt := &BlockReceipt{}
	for _, other := range block.owners.ToSlice() {
		otherID := other.(string)
		receipt.Cancels = append(receipt.Cancels, Cancel{
			PeerID:     otherID,
			PieceIndex: pieceIndex,
			Begin:      begin,
			Length:     len(data),
		})
		if peer, ok := pm.peers[otherID]; ok {
			delete(peer.outstanding, ref)
		}
	}
	block.owners.Clear()
	if wasRequested {
		pi.requested--
	}

	block.received = true
	block.data = data
	pi.received++
	pi.contributors.Add(id)
	pm.missingBlocks--
	if pi.state == MISSING {
		pi.state = PARTIAL
	}

	// Submit outside the lock: a full job queue must not hold up the
	// update path while hash workers wait to deliver results.
	var submit *verifyRequest
	if pi.received == len(pi.blocks) {
		pi.state = HASH_PENDING
		submit = &verifyRequest{
			pieceIndex: pieceIndex,
			generation: pi.generation,
			data:       pm.assemble(pi),
			expected:   pm.tor.PieceHash(pieceIndex),
		}
	}

	pm.Unlock()
	if submit != nil {
		pm.verifier.Submit(submit)
	}
	return receipt, nil
}

func (b *blockInfo) Requested() bool {
	return b.owners.Cardinality() > 0
}

func (pm *rarestFirst) assemble(pi *pieceInfo) []byte {
	data := make([]byte, 0, len(pi.blocks)*BLOCK_SIZE)
	for _, block := range pi.blocks {
		data = append(data, block.data...)
	}
	return data
}

// adjustPipeline grows a peer's request pipeline while it answers
// quickly, so its bandwidth stays saturated. Slow responses and
// timeouts shrink it again (see Tick).
func (pm *rarestFirst) adjustPipeline(peer *peerInfo, rtt time.Duration) {
	if rtt < pm.policy.RequestTimeout/4 {
		peer.fastStreak++
		if peer.fastStreak >= peer.pipeline && peer.pipeline < pm.policy.PipelineMax {
			peer.pipeline++
			peer.fastStreak = 0
		}
	} else {
		peer.fastStreak = 0
	}
}

// applyVerifyResult runs on a verifier worker. Stale results (piece
// reset or manager stopped while hashing) are detected by generation
// and discarded.
func (pm *rarestFirst) applyVerifyResult(res *verifyResult) {
	pm.Lock()

	if pm.stopped {
		pm.Unlock()
		return
	}
	pi := pm.pieceInfo[res.pieceIndex]
	if pi.generation != res.generation || pi.state != HASH_PENDING {
		pm.Unlock()
		return
	}

	listener := pm.listener
	if !res.ok {
		// Corrupt: discard every block and return the piece to the
		// missing pool.
		suspects := pi.contributors.Clone()
		pi.generation++
		pi.state = MISSING
		pi.received = 0
		pi.requested = 0
		pi.contributors = mapset.NewSet()
		for _, block := range pi.blocks {
			block.received = false
			block.data = nil
			block.owners.Clear()
		}
		pm.missingBlocks += len(pi.blocks)
		for _, peer := range pm.peers {
			for ref := range peer.outstanding {
				if ref.piece == res.pieceIndex {
					delete(peer.outstanding, ref)
				}
			}
		}
		pm.Unlock()
		if listener != nil {
			listener.PieceCorrupt(res.pieceIndex, suspects)
		}
		return
	}

	if err := pm.storage.WritePieceRequest(res.pieceIndex, res.data); err != nil {
		// Disk refused the piece; keep the data out of the bitfield so
		// it gets fetched and written again.
		pi.generation++
		pi.state = MISSING
		pi.received = 0
		pi.requested = 0
		pi.contributors = mapset.NewSet()
		for _, block := range pi.blocks {
			block.received = false
			block.data = nil
			block.owners.Clear()
		}
		pm.missingBlocks += len(pi.blocks)
		for _, peer := range pm.peers {
			for ref := range peer.outstanding {
				if ref.piece == res.pieceIndex {
					delete(peer.outstanding, ref)
				}
			}
		}
		pm.Unlock()
		return
	}

	pi.state = VERIFIED
	pm.piecesVerified++
	pm.clientBitField.Set(res.pieceIndex, true)
	for _, block := range pi.blocks {
		block.data = nil
	}
	pm.Unlock()
	if listener != nil {
		listener.PieceVerified(res.pieceIndex)
	}
}

// SendBlockRequests fills the peer's request pipeline. Piece choice is
// rarest-first over pieces the peer has and we lack, ties broken by
// index; partially-downloaded pieces are finished before new ones are
// started so they reach hash verification quickly. In endgame,
// already-requested blocks may be requested from one more peer up to
// the duplicate cap.
//
// The returned flag reports whether the peer still has anything the
// client wants; the connection owns the interest flags and the wire
// messages announcing them.
func (pm *rarestFirst) SendBlockRequests(id string, w wire.Wire, peerBitfield *bitmap.Bitmap) (bool, error) {
	pm.Lock()

	if peerBitfield == nil {
		pm.Unlock()
		return false, nil
	}
	peer, ok := pm.peers[id]
	if !ok {
		peer = &peerInfo{
			outstanding: make(map[blockRef]time.Time),
			pipeline:    pm.policy.PipelineMin,
		}
		pm.peers[id] = peer
	}

	type request struct {
		pieceIndex, begin, length int
	}
	requests := make([]request, 0)
	budget := peer.pipeline - len(peer.outstanding)
	interesting := false

	take := func(pieceIndex, blockIndex int) {
		block := pm.pieceInfo[pieceIndex].blocks[blockIndex]
		if !block.Requested() {
			pm.pieceInfo[pieceIndex].requested++
		}
		block.owners.Add(id)
		block.requestedAt = time.Now()
		ref := blockRef{piece: pieceIndex, block: blockIndex}
		peer.outstanding[ref] = block.requestedAt
		requests = append(requests, request{pieceIndex, blockIndex * BLOCK_SIZE, pm.blockLength(pieceIndex, blockIndex)})
		budget--
	}

	// Pass 1: finish pieces already in flight.
	partial, fresh := pm.candidates(id, peerBitfield, &interesting)
	for _, pieceIndex := range partial {
		if budget <= 0 {
			break
		}
		for blockIndex, block := range pm.pieceInfo[pieceIndex].blocks {
			if budget <= 0 {
				break
			}
			if !block.received && !block.Requested() {
				take(pieceIndex, blockIndex)
			}
		}
	}

	// Pass 2: open new pieces. With zero verified pieces the first pick
	// is randomized to avoid herding the whole swarm onto one piece.
	if budget > 0 && len(fresh) > 0 && pm.policy.RandomFirstPiece && pm.piecesVerified == 0 && len(partial) == 0 {
		i := rand.Intn(len(fresh))
		fresh[0], fresh[i] = fresh[i], fresh[0]
	}
	for _, pieceIndex := range fresh {
		if budget <= 0 {
			break
		}
		for blockIndex, block := range pm.pieceInfo[pieceIndex].blocks {
			if budget <= 0 {
				break
			}
			if !block.received && !block.Requested() {
				take(pieceIndex, blockIndex)
			}
		}
	}

	// Pass 3: endgame duplicates.
	if budget > 0 && pm.inEndgame() {
		for _, pieceIndex := range append(partial, fresh...) {
			if budget <= 0 {
				break
			}
			for blockIndex, block := range pm.pieceInfo[pieceIndex].blocks {
				if budget <= 0 {
					break
				}
				if block.received || block.owners.Contains(id) {
					continue
				}
				if block.owners.Cardinality() < pm.policy.EndgameDuplicates {
					take(pieceIndex, blockIndex)
				}
			}
		}
	}

	pm.Unlock()

	for _, req := range requests {
		if err := w.SendRequest(req.pieceIndex, req.begin, req.length); err != nil {
			return interesting, err
		}
	}
	return interesting, nil
}

// candidates splits requestable pieces into in-flight and untouched,
// each sorted rarest first with index as the deterministic tiebreak.
func (pm *rarestFirst) candidates(id string, peerBitfield *bitmap.Bitmap, interesting *bool) (partial, fresh []int) {
	for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
		pi := pm.pieceInfo[pieceIndex]
		if !peerBitfield.Get(pieceIndex) || pm.clientBitField.Get(pieceIndex) || pi.priority <= 0 {
			continue
		}
		if pi.state == VERIFIED || pi.state == HASH_PENDING {
			continue
		}
		*interesting = true
		if pi.received > 0 || pi.requested > 0 {
			partial = append(partial, pieceIndex)
		} else {
			fresh = append(fresh, pieceIndex)
		}
	}
	byRarity := func(pieces []int) {
		sort.Slice(pieces, func(i, j int) bool {
			p1, p2 := pieces[i], pieces[j]
			if pm.pieceInfo[p1].availability != pm.pieceInfo[p2].availability {
				return pm.pieceInfo[p1].availability < pm.pieceInfo[p2].availability
			}
			return p1 < p2
		})
	}
	byRarity(partial)
	byRarity(fresh)
	return partial, fresh
}

// Tick expires outstanding requests that outlived the request timeout,
// returning their blocks to the pool and halving the slow peer's
// pipeline.
func (pm *rarestFirst) Tick(now time.Time) {
	pm.Lock()
	defer pm.Unlock()

	for id, peer := range pm.peers {
		timedOut := false
		for ref, requestedAt := range peer.outstanding {
			if now.Sub(requestedAt) < pm.policy.RequestTimeout {
				continue
			}
			timedOut = true
			delete(peer.outstanding, ref)
			block := pm.pieceInfo[ref.piece].blocks[ref.block]
			block.owners.Remove(id)
			if block.owners.Cardinality() == 0 && !block.received {
				pm.pieceInfo[ref.piece].requested--
			}
		}
		if timedOut {
			peer.pipeline = peer.pipeline / 2
			if peer.pipeline < pm.policy.PipelineMin {
				peer.pipeline = pm.policy.PipelineMin
			}
			peer.fastStreak = 0
		}
	}
}

// Stop invalidates in-flight verification results and shuts the hash
// workers down.
func (pm *rarestFirst) Stop() {
	pm.Lock()
	pm.stopped = true
	pm.Unlock()
	pm.verifier.Stop()
}
