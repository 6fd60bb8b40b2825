package peer

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/FallenWarrior2k/transmission/piece"
	"github.com/FallenWarrior2k/transmission/stats"
	"github.com/FallenWarrior2k/transmission/storage"
	"github.com/FallenWarrior2k/transmission/torrent"
	"github.com/FallenWarrior2k/transmission/wire"
	mapset "github.com/deckarep/golang-set"
)

var (
	PEER_TIMEOUT          = 120 * time.Second
	HOUSEKEEPING_INTERVAL = 5 * time.Second
	DIAL_BACKOFF_BASE     = 15 * time.Second
	MAX_DIAL_ATTEMPTS     = 3
	CORRUPT_STRIKES       = 3
	NUMWANT               = 50
)

// Discovery hands the swarm more candidate addresses on demand. The
// discovery protocols themselves (tracker, DHT, PEX) live outside this
// engine.
type Discovery interface {
	RequestPeers(numwant int)
}

type PeerManager interface {
	OfferPeer(addr string, source string)
	AddIncoming(conn net.Conn)
	RemovePeer(id string, reason CloseReason)
	GetPeerList() []Peer
	NumPeers() int
	Start()
	StopPeers()
	BroadcastHave(pieceIndex int)
	SendCancels(cancels []piece.Cancel)
	BanPeers(peers mapset.Set)
	Stalled() bool
	SetDiscovery(d Discovery)

	// piece.Listener
	PieceVerified(pieceIndex int)
	PieceCorrupt(pieceIndex int, peers mapset.Set)
}

// candidate is an address we could not connect to yet: either the
// swarm is at capacity or a previous dial failed and is backing off.
type candidate struct {
	source   string
	attempts int
	nextTry  time.Time
}

type peerManager struct {
	sync.RWMutex
	torrent        *torrent.Torrent
	pieceMgr       piece.PieceManager
	storage        storage.Storage
	stats          stats.Stats
	limiter        wire.Limiter
	discovery      Discovery
	peers          map[string]Peer
	candidates     map[string]*candidate
	bannedPeers    mapset.Set
	corruptStrikes map[string]int
	maxPeers       int
	minPeers       int
	quit           chan int
}

func NewPeerManager(
	tor *torrent.Torrent,
	pieceMgr piece.PieceManager,
	store storage.Storage,
	st stats.Stats,
	limiter wire.Limiter,
	maxPeers int,
	quit chan int) PeerManager {

	if maxPeers <= 0 {
		maxPeers = 100
	}
	pm := &peerManager{
		torrent:        tor,
		pieceMgr:       pieceMgr,
		storage:        store,
		stats:          st,
		limiter:        limiter,
		peers:          make(map[string]Peer),
		candidates:     make(map[string]*candidate),
		bannedPeers:    mapset.NewSet(),
		corruptStrikes: make(map[string]int),
		maxPeers:       maxPeers,
		minPeers:       maxPeers / 5,
		quit:           quit,
	}
	pieceMgr.SetListener(pm)
	return pm
}

func (pm *peerManager) SetDiscovery(d Discovery) {
	pm.Lock()
	defer pm.Unlock()
	pm.discovery = d
}

// OfferPeer accepts a candidate address from discovery. Known, banned
// and duplicate addresses are dropped; a full swarm parks the address
// for later instead of failing.
func (pm *peerManager) OfferPeer(addr string, source string) {
	pm.Lock()
	defer pm.Unlock()

	if pm.bannedPeers.Contains(addr) {
		return
	}
	if _, ok := pm.peers[addr]; ok {
		return
	}
	if _, ok := pm.candidates[addr]; ok {
		return
	}
	if len(pm.peers) >= pm.maxPeers {
		pm.candidates[addr] = &candidate{source: source}
		return
	}
	pm.connect(addr, source)
}

// connect assumes pm is locked.
func (pm *peerManager) connect(addr, source string) {
	p := NewPeer(addr, nil, pm.torrent, pm.storage, pm, pm.pieceMgr, pm.stats, pm.limiter, PEER_TIMEOUT)
	pm.peers[addr] = p
	go p.Start()
}

func (pm *peerManager) AddIncoming(conn net.Conn) {
	id := conn.RemoteAddr().String()

	pm.Lock()
	defer pm.Unlock()
	if pm.bannedPeers.Contains(id) || len(pm.peers) >= pm.maxPeers {
		conn.Close()
		return
	}
	if _, ok := pm.peers[id]; ok {
		conn.Close()
		return
	}
	w := wire.NewWire(conn, PEER_TIMEOUT, pm.limiter)
	p := NewPeer(id, w, pm.torrent, pm.storage, pm, pm.pieceMgr, pm.stats, pm.limiter, PEER_TIMEOUT)
	pm.peers[id] = p
	go p.Start()
}

// RemovePeer drops a closed connection from the swarm. Transport
// failures put the address back in the candidate pool with dial
// backoff until the attempt budget runs out.
func (pm *peerManager) RemovePeer(id string, reason CloseReason) {
	pm.Lock()
	defer pm.Unlock()

	delete(pm.peers, id)
	if reason == TRANSPORT_ERROR && !pm.bannedPeers.Contains(id) {
		c := pm.candidates[id]
		if c == nil {
			c = &candidate{}
		}
		c.attempts++
		if c.attempts < MAX_DIAL_ATTEMPTS {
			c.nextTry = time.Now().Add(DIAL_BACKOFF_BASE << uint(c.attempts))
			pm.candidates[id] = c
		} else {
			delete(pm.candidates, id)
		}
	}
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := []Peer{}
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	return peers
}

func (pm *peerManager) NumPeers() int {
	pm.RLock()
	defer pm.RUnlock()
	return len(pm.peers)
}

// Start runs the housekeeping loop: retry backed-off candidates,
// expire stale requests, and ask discovery for more addresses when the
// swarm runs dry.
func (pm *peerManager) Start() {
	go func() {
		for {
			select {
			case <-pm.quit:
				return
			case <-time.After(HOUSEKEEPING_INTERVAL):
				pm.housekeeping()
			}
		}
	}()
}

func (pm *peerManager) housekeeping() {
	pm.pieceMgr.Tick(time.Now())

	now := time.Now()
	pm.Lock()
	for addr, c := range pm.candidates {
		if len(pm.peers) >= pm.maxPeers {
			break
		}
		if now.Before(c.nextTry) {
			continue
		}
		delete(pm.candidates, addr)
		pm.connect(addr, c.source)
	}
	starving := len(pm.peers)+len(pm.candidates) < pm.minPeers
	d := pm.discovery
	pm.Unlock()

	if starving && d != nil {
		d.RequestPeers(NUMWANT)
	}
}

func (pm *peerManager) StopPeers() {
	for _, p := range pm.GetPeerList() {
		p.Stop(GRACEFUL)
	}
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	for _, p := range pm.GetPeerList() {
		p.SendHave(pieceIndex)
	}
}

// SendCancels withdraws endgame requests made redundant by a block
// that arrived from another peer first.
func (pm *peerManager) SendCancels(cancels []piece.Cancel) {
	if len(cancels) == 0 {
		return
	}
	pm.RLock()
	defer pm.RUnlock()
	for _, c := range cancels {
		if p, ok := pm.peers[c.PeerID]; ok {
			p.SendCancel(c.PieceIndex, c.Begin, c.Length)
		}
	}
}

func (pm *peerManager) BanPeers(peers mapset.Set) {
	pm.Lock()
	pm.bannedPeers = pm.bannedPeers.Union(peers)
	toStop := []Peer{}
	for _, id := range peers.ToSlice() {
		if p, ok := pm.peers[id.(string)]; ok {
			toStop = append(toStop, p)
		}
		delete(pm.candidates, id.(string))
	}
	pm.Unlock()

	for _, p := range toStop {
		p.Stop(GRACEFUL)
	}
}

// Stalled reports the user-visible starvation state: no peers, no
// candidates, torrent incomplete. Never surfaced as a failure.
func (pm *peerManager) Stalled() bool {
	pm.RLock()
	defer pm.RUnlock()
	return len(pm.peers) == 0 && len(pm.candidates) == 0 && !pm.pieceMgr.Done()
}

// PieceVerified runs on the scheduler's update path once a piece hash
// checks out and the bytes are on disk.
func (pm *peerManager) PieceVerified(pieceIndex int) {
	pm.BroadcastHave(pieceIndex)
}

// PieceCorrupt is the peer-quality signal for a failed hash check. A
// sole contributor is banned outright; mixed pieces cost every
// contributor a strike.
func (pm *peerManager) PieceCorrupt(pieceIndex int, suspects mapset.Set) {
	log.Printf("piece %d failed verification (%d contributors)", pieceIndex, suspects.Cardinality())
	if suspects.Cardinality() == 1 {
		pm.BanPeers(suspects)
		return
	}
	ban := mapset.NewSet()
	pm.Lock()
	for _, id := range suspects.ToSlice() {
		pm.corruptStrikes[id.(string)]++
		if pm.corruptStrikes[id.(string)] >= CORRUPT_STRIKES {
			ban.Add(id)
		}
	}
	pm.Unlock()
	if ban.Cardinality() > 0 {
		pm.BanPeers(ban)
	}
}
