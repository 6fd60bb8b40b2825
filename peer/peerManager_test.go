package peer

import (
	"testing"

	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/FallenWarrior2k/transmission/piece"
)

func (m *stubPieceManager) SetListener(l piece.Listener) {
	m.Called(l)
}

func (m *stubPeer) SendCancel(pieceIndex, begin, length int) error {
	args := m.Called(pieceIndex, begin, length)
	return args.Error(0)
}

func (m *stubPeer) Stop(reason CloseReason) {
	m.Called(reason)
}

func newTestPeerManager() (*peerManager, *stubPieceManager) {
	pieceMgr := &stubPieceManager{}
	pieceMgr.On("SetListener", mock.Anything).Once()
	pm := NewPeerManager(testTorrent(), pieceMgr, nil, nil, nil, 10, make(chan int)).(*peerManager)
	return pm, pieceMgr
}

func TestOfferPeerIgnoresBannedAddresses(t *testing.T) {
	pm, _ := newTestPeerManager()

	banned := mapset.NewSet()
	banned.Add("10.0.0.1:6881")
	pm.BanPeers(banned)

	pm.OfferPeer("10.0.0.1:6881", "pex")
	assert.Equal(t, 0, pm.NumPeers())
	assert.Empty(t, pm.candidates)
}

func TestOfferPeerParksOverflowAsCandidate(t *testing.T) {
	pm, _ := newTestPeerManager()
	pm.maxPeers = 0

	pm.OfferPeer("10.0.0.1:6881", "tracker")
	assert.Equal(t, 0, pm.NumPeers())
	assert.Contains(t, pm.candidates, "10.0.0.1:6881")

	// duplicates are dropped, not double-parked
	pm.OfferPeer("10.0.0.1:6881", "pex")
	assert.Len(t, pm.candidates, 1)
}

func TestTransportFailureBacksOffThenGivesUp(t *testing.T) {
	pm, _ := newTestPeerManager()

	for attempt := 1; attempt < MAX_DIAL_ATTEMPTS; attempt++ {
		pm.RemovePeer("10.0.0.1:6881", TRANSPORT_ERROR)
		assert.Contains(t, pm.candidates, "10.0.0.1:6881")
		assert.Equal(t, attempt, pm.candidates["10.0.0.1:6881"].attempts)
	}
	pm.RemovePeer("10.0.0.1:6881", TRANSPORT_ERROR)
	assert.NotContains(t, pm.candidates, "10.0.0.1:6881")
}

func TestGracefulCloseIsNotRetried(t *testing.T) {
	pm, _ := newTestPeerManager()

	pm.RemovePeer("10.0.0.1:6881", GRACEFUL)
	assert.Empty(t, pm.candidates)
	pm.RemovePeer("10.0.0.2:6881", PROTOCOL_VIOLATION)
	assert.Empty(t, pm.candidates)
}

func TestSoleContributorOfCorruptPieceIsBanned(t *testing.T) {
	pm, _ := newTestPeerManager()

	suspect := &stubPeer{id: "10.0.0.1:6881"}
	suspect.On("Stop", GRACEFUL).Once()
	pm.peers["10.0.0.1:6881"] = suspect

	suspects := mapset.NewSet()
	suspects.Add("10.0.0.1:6881")
	pm.PieceCorrupt(4, suspects)

	suspect.AssertExpectations(t)
	assert.True(t, pm.bannedPeers.Contains("10.0.0.1:6881"))

	// once the stopped connection drains out, the address stays dead
	pm.RemovePeer("10.0.0.1:6881", GRACEFUL)
	pm.OfferPeer("10.0.0.1:6881", "tracker")
	assert.Equal(t, 0, pm.NumPeers())
}

func TestMixedContributorsBannedAfterStrikes(t *testing.T) {
	pm, _ := newTestPeerManager()

	suspects := mapset.NewSet()
	suspects.Add("10.0.0.1:6881")
	suspects.Add("10.0.0.2:6881")

	for i := 0; i < CORRUPT_STRIKES-1; i++ {
		pm.PieceCorrupt(i, suspects)
		assert.False(t, pm.bannedPeers.Contains("10.0.0.1:6881"))
	}
	pm.PieceCorrupt(CORRUPT_STRIKES-1, suspects)
	assert.True(t, pm.bannedPeers.Contains("10.0.0.1:6881"))
	assert.True(t, pm.bannedPeers.Contains("10.0.0.2:6881"))
}

func TestSendCancelsReachOnlyNamedPeer(t *testing.T) {
	pm, _ := newTestPeerManager()

	target := &stubPeer{id: "10.0.0.1:6881"}
	target.On("SendCancel", 3, 16384, 16384).Return(nil).Once()
	bystander := &stubPeer{id: "10.0.0.2:6881"}
	pm.peers["10.0.0.1:6881"] = target
	pm.peers["10.0.0.2:6881"] = bystander

	pm.SendCancels([]piece.Cancel{
		{PeerID: "10.0.0.1:6881", PieceIndex: 3, Begin: 16384, Length: 16384},
		{PeerID: "10.0.0.9:6881", PieceIndex: 1, Begin: 0, Length: 16384},
	})

	target.AssertExpectations(t)
	bystander.AssertNotCalled(t, "SendCancel", mock.Anything, mock.Anything, mock.Anything)
}

func TestStalledReflectsSwarmAndCompletion(t *testing.T) {
	pm, pieceMgr := newTestPeerManager()

	pieceMgr.On("Done").Return(false).Once()
	assert.True(t, pm.Stalled())

	pm.candidates["10.0.0.1:6881"] = &candidate{}
	assert.False(t, pm.Stalled())

	delete(pm.candidates, "10.0.0.1:6881")
	pieceMgr.On("Done").Return(true).Once()
	assert.False(t, pm.Stalled())
}
