package piece

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/FallenWarrior2k/transmission/storage"
	"github.com/FallenWarrior2k/transmission/torrent"
	"github.com/FallenWarrior2k/transmission/wire"
)

type mockDisk struct {
	storage.Storage
	mock.Mock
}

func (m *mockDisk) WritePieceRequest(pieceIndex int, data []byte) error {
	args := m.Called(pieceIndex, data)
	return args.Error(0)
}

type mockWire struct {
	wire.Wire
	mock.Mock
}

func (m *mockWire) SendRequest(pieceIndex, begin, length int) error {
	args := m.Called(pieceIndex, begin, length)
	return args.Error(0)
}

// requestBlocks fills the pipeline and reports whether the scheduler
// still wants anything from the peer.
func requestBlocks(t *testing.T, pm PieceManager, id string, w wire.Wire, bf *bitmap.Bitmap) bool {
	t.Helper()
	interested, err := pm.SendBlockRequests(id, w, bf)
	assert.NoError(t, err)
	return interested
}

type corruptEvent struct {
	pieceIndex int
	peers      mapset.Set
}

type chanListener struct {
	verified chan int
	corrupt  chan corruptEvent
}

func newChanListener() *chanListener {
	return &chanListener{
		verified: make(chan int, 8),
		corrupt:  make(chan corruptEvent, 8),
	}
}

func (l *chanListener) PieceVerified(pieceIndex int) {
	l.verified <- pieceIndex
}

func (l *chanListener) PieceCorrupt(pieceIndex int, peers mapset.Set) {
	l.corrupt <- corruptEvent{pieceIndex: pieceIndex, peers: peers}
}

func waitVerified(t *testing.T, l *chanListener) int {
	select {
	case pieceIndex := <-l.verified:
		return pieceIndex
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for verification")
		return -1
	}
}

func waitCorrupt(t *testing.T, l *chanListener) corruptEvent {
	select {
	case ev := <-l.corrupt:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for corruption event")
		return corruptEvent{}
	}
}

func testTorrent(numPieces, blocksPerPiece int) *torrent.Torrent {
	return &torrent.Torrent{
		NumPieces: numPieces,
		Length:    numPieces * blocksPerPiece * BLOCK_SIZE,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: blocksPerPiece * BLOCK_SIZE,
				Pieces:      string(make([]byte, numPieces*20)),
			},
		},
	}
}

func setPieceHash(tor *torrent.Torrent, pieceIndex int, data []byte) {
	hash := sha1.Sum(data)
	pieces := []byte(tor.MetaInfo.Info.Pieces)
	copy(pieces[20*pieceIndex:], hash[:])
	tor.MetaInfo.Info.Pieces = string(pieces)
}

func testPolicy() Policy {
	return Policy{
		PipelineMin:       4,
		PipelineMax:       4,
		EndgameThreshold:  0,
		EndgameDuplicates: 2,
		RequestTimeout:    time.Minute,
		RandomFirstPiece:  false,
	}
}

func fill(b byte) []byte {
	data := make([]byte, BLOCK_SIZE)
	for i := range data {
		data[i] = b
	}
	return data
}

func TestPieceCompletedAndVerified(t *testing.T) {
	tor := testTorrent(3, 4)
	block1, block2, block3, block4 := fill(1), fill(2), fill(3), fill(4)
	piece1 := bytes.Join([][]byte{block1, block2, block3, block4}, nil)
	setPieceHash(tor, 1, piece1)

	disk := &mockDisk{}
	disk.On("WritePieceRequest", 1, mock.MatchedBy(func(data []byte) bool {
		return bytes.Equal(data, piece1)
	})).Return(nil).Once()

	pm := NewRarestFirstPieceManager(tor, disk, bitmap.New(3), testPolicy(), 1)
	defer pm.Stop()
	listener := newChanListener()
	pm.SetListener(listener)

	w := &mockWire{}
	w.On("SendRequest", 1, 0, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 1, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 1, 2*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 1, 3*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()

	peerID := "10.0.0.1:6881"
	peerBitField := bitmap.New(3)
	peerBitField.Set(1, true)

	// peer unchokes client; the whole pipeline lands on piece 1
	assert.True(t, requestBlocks(t, pm, peerID, w, &peerBitField))

	// blocks arrive out of order
	for _, delivery := range []struct {
		begin int
		data  []byte
	}{
		{BLOCK_SIZE, block2},
		{0, block1},
		{3 * BLOCK_SIZE, block4},
		{2 * BLOCK_SIZE, block3},
	} {
		receipt, err := pm.WriteBlock(peerID, 1, delivery.begin, delivery.data)
		assert.NoError(t, err)
		assert.Empty(t, receipt.Cancels)
	}

	assert.Equal(t, 1, waitVerified(t, listener))
	assert.Equal(t, 1, pm.GetPiecesVerified())
	assert.Equal(t, 4*BLOCK_SIZE, pm.BytesVerified())
	assert.Equal(t, 8, pm.MissingBlocks())
	assert.False(t, pm.Done())

	disk.AssertExpectations(t)
	w.AssertExpectations(t)
}

func TestRarestPieceRequestedFirst(t *testing.T) {
	tor := testTorrent(3, 1)
	policy := testPolicy()
	policy.PipelineMin = 1
	policy.PipelineMax = 1
	pm := NewRarestFirstPieceManager(tor, nil, bitmap.New(3), policy, 1)
	defer pm.Stop()

	// two other peers advertise pieces 0 and 1; piece 2 stays rarest
	pm.PieceHave("10.0.0.2:6881", 0)
	pm.PieceHave("10.0.0.2:6881", 1)
	pm.PieceHave("10.0.0.3:6881", 0)

	w := &mockWire{}
	w.On("SendRequest", 2, 0, BLOCK_SIZE).Return(nil).Once()

	peerBitField := bitmap.New(3)
	for i := 0; i < 3; i++ {
		peerBitField.Set(i, true)
	}
	assert.True(t, requestBlocks(t, pm, "10.0.0.1:6881", w, &peerBitField))
	w.AssertExpectations(t)
}

func TestRarityTieBreaksOnIndex(t *testing.T) {
	tor := testTorrent(3, 1)
	policy := testPolicy()
	policy.PipelineMin = 1
	policy.PipelineMax = 1
	pm := NewRarestFirstPieceManager(tor, nil, bitmap.New(3), policy, 1)
	defer pm.Stop()

	w := &mockWire{}
	w.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()

	peerBitField := bitmap.New(3)
	for i := 0; i < 3; i++ {
		peerBitField.Set(i, true)
	}
	assert.True(t, requestBlocks(t, pm, "10.0.0.1:6881", w, &peerBitField))
	w.AssertExpectations(t)
}

func TestChokeReturnsOutstandingRequests(t *testing.T) {
	tor := testTorrent(2, 2)
	policy := testPolicy()
	pm := NewRarestFirstPieceManager(tor, nil, bitmap.New(2), policy, 1)
	defer pm.Stop()

	peerBitField := bitmap.New(2)
	peerBitField.Set(0, true)

	w1 := &mockWire{}
	w1.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	w1.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	assert.True(t, requestBlocks(t, pm, "10.0.0.1:6881", w1, &peerBitField))

	// with peer1's requests in flight, peer2 has nothing left to take
	// but the piece is still wanted
	w2 := &mockWire{}
	assert.True(t, requestBlocks(t, pm, "10.0.0.2:6881", w2, &peerBitField))

	// the choke returns both blocks to the pool
	pm.PeerChoked("10.0.0.1:6881")
	w2.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	w2.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	assert.True(t, requestBlocks(t, pm, "10.0.0.2:6881", w2, &peerBitField))

	w1.AssertExpectations(t)
	w2.AssertExpectations(t)
}

func TestCorruptPieceResetsBlocks(t *testing.T) {
	tor := testTorrent(2, 2)
	// leave the zeroed hash in place so verification fails
	policy := testPolicy()
	pm := NewRarestFirstPieceManager(tor, nil, bitmap.New(2), policy, 1)
	defer pm.Stop()
	listener := newChanListener()
	pm.SetListener(listener)

	peerID := "10.0.0.1:6881"
	peerBitField := bitmap.New(2)
	peerBitField.Set(0, true)

	w := &mockWire{}
	w.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Twice()
	w.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Twice()

	assert.True(t, requestBlocks(t, pm, peerID, w, &peerBitField))
	_, err := pm.WriteBlock(peerID, 0, 0, fill(1))
	assert.NoError(t, err)
	_, err = pm.WriteBlock(peerID, 0, BLOCK_SIZE, fill(2))
	assert.NoError(t, err)

	ev := waitCorrupt(t, listener)
	assert.Equal(t, 0, ev.pieceIndex)
	assert.True(t, ev.peers.Contains(peerID))
	assert.Equal(t, 1, ev.peers.Cardinality())

	// every block is missing again and requestable by anyone
	assert.Equal(t, 4, pm.MissingBlocks())
	assert.Equal(t, 0, pm.GetPiecesVerified())
	assert.True(t, requestBlocks(t, pm, peerID, w, &peerBitField))

	w.AssertExpectations(t)
}

func TestEndgameDuplicatesAndFirstArrivalWins(t *testing.T) {
	tor := testTorrent(2, 1)
	clientBitField := bitmap.New(2)
	clientBitField.Set(0, true) // one block missing: endgame from the start

	piece1 := fill(7)
	setPieceHash(tor, 1, piece1)
	disk := &mockDisk{}
	disk.On("WritePieceRequest", 1, mock.Anything).Return(nil).Once()

	policy := testPolicy()
	policy.EndgameThreshold = 20
	policy.EndgameDuplicates = 2
	pm := NewRarestFirstPieceManager(tor, disk, clientBitField, policy, 1)
	defer pm.Stop()
	listener := newChanListener()
	pm.SetListener(listener)
	assert.True(t, pm.InEndgame())

	peerBitField := bitmap.New(2)
	peerBitField.Set(1, true)

	w1 := &mockWire{}
	w1.On("SendRequest", 1, 0, BLOCK_SIZE).Return(nil).Once()
	assert.True(t, requestBlocks(t, pm, "10.0.0.1:6881", w1, &peerBitField))

	// second peer duplicates the in-flight request
	w2 := &mockWire{}
	w2.On("SendRequest", 1, 0, BLOCK_SIZE).Return(nil).Once()
	assert.True(t, requestBlocks(t, pm, "10.0.0.2:6881", w2, &peerBitField))

	// duplicate cap reached: a third peer gets nothing, but stays
	// interested because the piece is still outstanding
	w3 := &mockWire{}
	assert.True(t, requestBlocks(t, pm, "10.0.0.3:6881", w3, &peerBitField))

	// first arrival wins; the loser's request comes back as a cancel
	receipt, err := pm.WriteBlock("10.0.0.2:6881", 1, 0, piece1)
	assert.NoError(t, err)
	assert.Equal(t, []Cancel{{
		PeerID:     "10.0.0.1:6881",
		PieceIndex: 1,
		Begin:      0,
		Length:     BLOCK_SIZE,
	}}, receipt.Cancels)

	// the late duplicate is absorbed without complaint
	receipt, err = pm.WriteBlock("10.0.0.1:6881", 1, 0, piece1)
	assert.NoError(t, err)
	assert.Empty(t, receipt.Cancels)

	assert.Equal(t, 1, waitVerified(t, listener))
	assert.True(t, pm.Done())

	disk.AssertExpectations(t)
	w1.AssertExpectations(t)
	w2.AssertExpectations(t)
	w3.AssertExpectations(t)
}

func TestWriteBlockGeometryViolations(t *testing.T) {
	tor := testTorrent(2, 2)
	pm := NewRarestFirstPieceManager(tor, nil, bitmap.New(2), testPolicy(), 1)
	defer pm.Stop()

	peerID := "10.0.0.1:6881"
	_, err := pm.WriteBlock(peerID, 5, 0, fill(1))
	assert.Error(t, err)
	_, err = pm.WriteBlock(peerID, -1, 0, fill(1))
	assert.Error(t, err)
	_, err = pm.WriteBlock(peerID, 0, 100, fill(1))
	assert.Error(t, err)
	_, err = pm.WriteBlock(peerID, 0, 2*BLOCK_SIZE, fill(1))
	assert.Error(t, err)
	_, err = pm.WriteBlock(peerID, 0, 0, make([]byte, 100))
	assert.Error(t, err)
}

func TestUnsolicitedBlockWithValidGeometryAccepted(t *testing.T) {
	tor := testTorrent(2, 2)
	pm := NewRarestFirstPieceManager(tor, nil, bitmap.New(2), testPolicy(), 1)
	defer pm.Stop()

	receipt, err := pm.WriteBlock("10.0.0.1:6881", 0, 0, fill(1))
	assert.NoError(t, err)
	assert.Empty(t, receipt.Cancels)
	assert.Equal(t, 3, pm.MissingBlocks())
}

func TestRequestTimeoutReturnsBlocks(t *testing.T) {
	tor := testTorrent(1, 2)
	policy := testPolicy()
	policy.RequestTimeout = time.Minute
	pm := NewRarestFirstPieceManager(tor, nil, bitmap.New(1), policy, 1)
	defer pm.Stop()

	peerBitField := bitmap.New(1)
	peerBitField.Set(0, true)

	w1 := &mockWire{}
	w1.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	w1.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	assert.True(t, requestBlocks(t, pm, "10.0.0.1:6881", w1, &peerBitField))

	pm.Tick(time.Now().Add(2 * time.Minute))

	w2 := &mockWire{}
	w2.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	w2.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	assert.True(t, requestBlocks(t, pm, "10.0.0.2:6881", w2, &peerBitField))

	w1.AssertExpectations(t)
	w2.AssertExpectations(t)
}

func TestPeerStoppedDropsAvailability(t *testing.T) {
	tor := testTorrent(2, 1)
	pm := NewRarestFirstPieceManager(tor, nil, bitmap.New(2), testPolicy(), 1)
	defer pm.Stop()

	peerBitField := bitmap.New(2)
	peerBitField.Set(0, true)
	peerBitField.Set(1, true)
	pm.PieceHave("10.0.0.1:6881", 0)
	pm.PieceHave("10.0.0.1:6881", 1)
	assert.Equal(t, 1, pm.Availability(0))

	pm.PeerStopped("10.0.0.1:6881", &peerBitField)
	assert.Equal(t, 0, pm.Availability(0))
	assert.Equal(t, 0, pm.Availability(1))
}

func TestAvailabilityMatchesAdvertisingPeers(t *testing.T) {
	tor := testTorrent(2, 1)
	pm := NewRarestFirstPieceManager(tor, nil, bitmap.New(2), testPolicy(), 1)
	defer pm.Stop()

	bfA := bitmap.New(2)
	bfA.Set(0, true)
	bfB := bitmap.New(2)
	bfB.Set(0, true)

	pm.PieceHave("10.0.0.1:6881", 0)
	pm.PieceHave("10.0.0.2:6881", 0)
	assert.Equal(t, 2, pm.Availability(0))

	pm.PeerStopped("10.0.0.1:6881", &bfA)
	assert.Equal(t, 1, pm.Availability(0))
	pm.PeerStopped("10.0.0.2:6881", &bfB)
	assert.Equal(t, 0, pm.Availability(0))
	assert.Equal(t, 0, pm.Availability(1))
}

func TestNotInterestedWhenPeerHasNothingNew(t *testing.T) {
	tor := testTorrent(2, 1)
	clientBitField := bitmap.New(2)
	clientBitField.Set(0, true)
	clientBitField.Set(1, true)
	pm := NewRarestFirstPieceManager(tor, nil, clientBitField, testPolicy(), 1)
	defer pm.Stop()

	peerBitField := bitmap.New(2)
	peerBitField.Set(0, true)

	// nothing requestable and nothing wanted; the connection reads the
	// flag and announces NOT_INTERESTED itself
	w := &mockWire{}
	assert.False(t, requestBlocks(t, pm, "10.0.0.1:6881", w, &peerBitField))
	w.AssertExpectations(t)
}
