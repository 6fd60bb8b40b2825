package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/FallenWarrior2k/transmission/stats"
)

type stubPeer struct {
	Peer
	mock.Mock
	id        string
	state     connState
	lastPiece int64
}

func (m *stubPeer) GetPeerInfo() (string, connState, int64) {
	return m.id, m.state, m.lastPiece
}

func (m *stubPeer) SendUnchoke() error {
	args := m.Called()
	return args.Error(0)
}

func (m *stubPeer) SendChoke() error {
	args := m.Called()
	return args.Error(0)
}

func (m *stubPeerManager) GetPeerList() []Peer {
	args := m.Called()
	return args.Get(0).([]Peer)
}

func (m *stubPieceManager) Done() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *stubStats) GetPeerStats() map[string]*stats.PeerStat {
	args := m.Called()
	return args.Get(0).(map[string]*stats.PeerStat)
}

func TestChokeUnchokesFastestPeers(t *testing.T) {
	lastPiece := time.Now().Unix()

	// interested and currently choked: earns an unchoke
	p1 := &stubPeer{id: "10.0.0.1:6881", lastPiece: lastPiece,
		state: connState{peerInterested: true, clientChoking: true}}
	p1.On("SendUnchoke").Return(nil).Once()
	// interested and already unchoked: nothing to send
	p2 := &stubPeer{id: "10.0.0.2:6881", lastPiece: lastPiece,
		state: connState{peerInterested: true, clientChoking: false}}
	// uninterested but faster than the slowest downloader: keep it warm
	p3 := &stubPeer{id: "10.0.0.3:6881", lastPiece: lastPiece,
		state: connState{peerInterested: false, clientChoking: true}}
	p3.On("SendUnchoke").Return(nil).Once()
	// uninterested and slow: loses its slot
	p4 := &stubPeer{id: "10.0.0.4:6881", lastPiece: lastPiece,
		state: connState{peerInterested: false, clientChoking: false}}
	p4.On("SendChoke").Return(nil).Once()

	peerMgr := &stubPeerManager{}
	peerMgr.On("GetPeerList").Return([]Peer{p1, p2, p3, p4}).Once()
	pieceMgr := &stubPieceManager{}
	pieceMgr.On("Done").Return(false).Once()
	st := &stubStats{}
	st.On("GetPeerStats").Return(map[string]*stats.PeerStat{
		"10.0.0.1:6881": {DownloadRate: 10},
		"10.0.0.2:6881": {DownloadRate: 20},
		"10.0.0.3:6881": {DownloadRate: 15},
		"10.0.0.4:6881": {DownloadRate: 5},
	}).Once()

	c := NewChoke(peerMgr, pieceMgr, st, make(chan int))
	c.(*choke).choke()

	for _, p := range []*stubPeer{p1, p2, p3, p4} {
		p.AssertExpectations(t)
	}
	peerMgr.AssertExpectations(t)
	pieceMgr.AssertExpectations(t)
	st.AssertExpectations(t)
}

func TestChokeSnubbedPeerLosesSlot(t *testing.T) {
	// answered our requests recently: stays in the downloader set
	fresh := &stubPeer{id: "10.0.0.1:6881", lastPiece: time.Now().Unix(),
		state: connState{peerInterested: true, clientInterested: true, clientChoking: true}}
	fresh.On("SendUnchoke").Return(nil).Once()
	// interested but hasn't sent a block in ages: choked despite interest
	snubbed := &stubPeer{id: "10.0.0.2:6881", lastPiece: time.Now().Unix() - 2*SNUBBED_PERIOD,
		state: connState{peerInterested: true, clientInterested: true, clientChoking: false}}
	snubbed.On("SendChoke").Return(nil).Once()

	peerMgr := &stubPeerManager{}
	peerMgr.On("GetPeerList").Return([]Peer{fresh, snubbed}).Once()
	pieceMgr := &stubPieceManager{}
	pieceMgr.On("Done").Return(false).Once()
	st := &stubStats{}
	st.On("GetPeerStats").Return(map[string]*stats.PeerStat{
		"10.0.0.1:6881": {DownloadRate: 10},
		"10.0.0.2:6881": {DownloadRate: 0},
	}).Once()

	c := NewChoke(peerMgr, pieceMgr, st, make(chan int))
	c.(*choke).choke()

	fresh.AssertExpectations(t)
	snubbed.AssertExpectations(t)
}
