package peer

import (
	"math/rand"
	"sort"
	"time"

	"github.com/FallenWarrior2k/transmission/piece"
	"github.com/FallenWarrior2k/transmission/stats"
)

const (
	SNUBBED_PERIOD = 60
	CHOKE_INTERVAL = 10
	DOWNLOADERS    = 5
)

type PeerInfo struct {
	ID            string
	State         connState
	LastPiece     int64
	speed         int
	shouldUnchoke bool
	snubbedClient bool
}

type Choke interface {
	Start()
}

type choke struct {
	peerMgr  PeerManager
	pieceMgr piece.PieceManager
	stats    stats.Stats
	seeding  bool
	quit     chan int
}

func NewChoke(
	peerMgr PeerManager,
	pieceMgr piece.PieceManager,
	st stats.Stats,
	quit chan int) Choke {

	return &choke{
		peerMgr:  peerMgr,
		pieceMgr: pieceMgr,
		stats:    st,
		quit:     quit,
	}
}

func sortBySpeed(peers []*PeerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].speed > peers[j].speed
	})
}

// choke reevaluates the uploader slots: the fastest interested peers
// stay unchoked, faster uninterested peers stay unchoked so they keep
// us unchoked in return, and one extra interested peer is unchoked
// optimistically as charity for swarm newcomers.
func (c *choke) choke() {
	c.seeding = c.pieceMgr.Done()
	peers := c.peerMgr.GetPeerList()

	peerInfos := []*PeerInfo{}
	for _, p := range peers {
		id, state, lastPiece := p.GetPeerInfo()
		peerInfos = append(peerInfos, &PeerInfo{
			ID:        id,
			State:     state,
			LastPiece: lastPiece,
		})
	}
	peerStats := c.stats.GetPeerStats()

	// Partition interested and uninterested peers
	interested := make([]*PeerInfo, 0)
	notInterested := make([]*PeerInfo, 0)
	for _, peerInfo := range peerInfos {
		if peerStat, ok := peerStats[peerInfo.ID]; ok {
			if c.seeding {
				peerInfo.speed = peerStat.UploadRate
			} else {
				peerInfo.speed = peerStat.DownloadRate
			}
		}
		if peerInfo.State.clientInterested && !peerInfo.State.peerChoking {
			if time.Now().Unix()-peerInfo.LastPiece > SNUBBED_PERIOD {
				peerInfo.snubbedClient = true
			}
		}
		if peerInfo.State.peerInterested && !peerInfo.snubbedClient {
			interested = append(interested, peerInfo)
		} else {
			notInterested = append(notInterested, peerInfo)
		}
	}

	// Sort in descending order of transfer speed
	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// unchoke the fastest uploading peers so they keep the client as
	// one of their active downloaders
	speedThreshold := 0
	for i := 0; i < len(interested) && i < DOWNLOADERS-1; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	// unchoke uninterested peers with better rates; when they become
	// interested they may reciprocate
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// optimistic unchoke
	if len(interested) > DOWNLOADERS-1 {
		rest := interested[DOWNLOADERS-1:]
		rand.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
		for _, peerInfo := range rest {
			if peerInfo.State.peerInterested {
				peerInfo.shouldUnchoke = true
				break
			}
		}
	}

	// apply unchoke/choke
	for i, peerInfo := range peerInfos {
		if peerInfo.shouldUnchoke && peerInfo.State.clientChoking {
			peers[i].SendUnchoke()
		}
		if !peerInfo.shouldUnchoke && !peerInfo.State.clientChoking {
			peers[i].SendChoke()
		}
	}
}

func (c *choke) Start() {
	for {
		select {
		case <-c.quit:
			return
		case <-time.After(time.Duration(CHOKE_INTERVAL * time.Second)):
			c.choke()
		}
	}
}
