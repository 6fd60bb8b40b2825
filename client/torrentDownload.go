package client

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/FallenWarrior2k/transmission/config"
	"github.com/FallenWarrior2k/transmission/peer"
	"github.com/FallenWarrior2k/transmission/piece"
	"github.com/FallenWarrior2k/transmission/server"
	"github.com/FallenWarrior2k/transmission/stats"
	"github.com/FallenWarrior2k/transmission/storage"
	"github.com/FallenWarrior2k/transmission/torrent"
	"github.com/FallenWarrior2k/transmission/webseed"
	humanize "github.com/dustin/go-humanize"
)

// Progress is the state snapshot surfaced to front-ends.
type Progress struct {
	Name          string `json:"name"`
	InfoHash      string `json:"infoHash"`
	State         string `json:"state"`
	BytesVerified int    `json:"bytesVerified"`
	TotalBytes    int    `json:"totalBytes"`
	Peers         int    `json:"peers"`
	DownloadRate  int    `json:"downloadRate"`
	UploadRate    int    `json:"uploadRate"`
}

func (p Progress) String() string {
	return fmt.Sprintf("%s: %s of %s, %d peers, down %s/s up %s/s [%s]",
		p.Name,
		humanize.IBytes(uint64(p.BytesVerified)),
		humanize.IBytes(uint64(p.TotalBytes)),
		p.Peers,
		humanize.IBytes(uint64(p.DownloadRate)),
		humanize.IBytes(uint64(p.UploadRate)),
		p.State)
}

type TorrentDownload interface {
	Start() error
	Stop()
	Pause()
	Resume() error
	OfferPeer(addr, source string)
	SetDiscovery(d peer.Discovery)
	GetInfoHash() []byte
	Progress() Progress
}

type torrentDownload struct {
	sync.Mutex
	cfg       *config.Config
	limiter   *config.RateLimiter
	tor       *torrent.Torrent
	quit      chan int
	peerMgr   peer.PeerManager
	pieceMgr  piece.PieceManager
	storage   storage.Storage
	stats     stats.Stats
	webseeds  []webseed.Client
	discovery peer.Discovery
	running   bool
	paused    bool
}

func NewTorrentDownload(tor *torrent.Torrent, cfg *config.Config, limiter *config.RateLimiter) TorrentDownload {
	return &torrentDownload{
		tor:     tor,
		cfg:     cfg,
		limiter: limiter,
	}
}

// Start builds the whole per-torrent engine: storage scan for resume
// state, scheduler, swarm, choke loop, inbound listener and any
// webseeds named in the metainfo.
func (d *torrentDownload) Start() error {
	d.Lock()
	defer d.Unlock()
	if d.running {
		return nil
	}

	quit := make(chan int)
	d.quit = quit

	d.storage = storage.NewRandomAccessStorage(d.cfg.DownloadDirectory)
	if err := d.storage.Init(d.tor); err != nil {
		return err
	}
	clientBitfield, _, left := d.storage.GetCurrentDownloadState()
	d.stats = stats.NewStats(0, 0, left)
	d.pieceMgr = piece.NewRarestFirstPieceManager(d.tor, d.storage, clientBitfield, piece.Policy{
		PipelineMin:       d.cfg.PipelineMin,
		PipelineMax:       d.cfg.PipelineMax,
		EndgameThreshold:  d.cfg.EndgameThreshold,
		EndgameDuplicates: d.cfg.EndgameDuplicates,
		RequestTimeout:    d.cfg.RequestTimeout,
		RandomFirstPiece:  d.cfg.RandomFirstPiece,
	}, d.cfg.HashWorkers)
	d.peerMgr = peer.NewPeerManager(d.tor, d.pieceMgr, d.storage, d.stats, d.limiter, d.cfg.MaxPeers, quit)
	if d.discovery != nil {
		d.peerMgr.SetDiscovery(d.discovery)
	}
	d.peerMgr.Start()

	choke := peer.NewChoke(d.peerMgr, d.pieceMgr, d.stats, quit)
	go choke.Start()

	// Another torrent may already hold the configured port; fall back
	// to an ephemeral one.
	sv, err := server.NewServer(d.peerMgr, d.cfg.ListenPort, quit)
	if err != nil {
		sv, err = server.NewServer(d.peerMgr, 0, quit)
	}
	if err != nil {
		return err
	}
	sv.Serve()

	d.webseeds = nil
	for _, url := range d.tor.WebseedURLs() {
		ws := webseed.NewClient(url, d.tor, d.pieceMgr, d.stats)
		d.webseeds = append(d.webseeds, ws)
		ws.Start()
	}

	d.running = true
	d.paused = false
	return nil
}

func (d *torrentDownload) teardown() {
	if !d.running {
		return
	}
	close(d.quit)
	for _, ws := range d.webseeds {
		ws.Stop()
	}
	d.peerMgr.StopPeers()
	d.pieceMgr.Stop()
	d.storage.Close()
	d.running = false
}

// Stop tears the torrent down for removal. In-flight hash checks are
// invalidated synchronously by the scheduler shutdown.
func (d *torrentDownload) Stop() {
	d.Lock()
	defer d.Unlock()
	d.teardown()
}

// Pause is a teardown that remembers it can come back; Resume rebuilds
// from the on-disk state.
func (d *torrentDownload) Pause() {
	d.Lock()
	defer d.Unlock()
	d.teardown()
	d.paused = true
}

func (d *torrentDownload) Resume() error {
	return d.Start()
}

func (d *torrentDownload) OfferPeer(addr, source string) {
	d.Lock()
	pm := d.peerMgr
	running := d.running
	d.Unlock()
	if running {
		pm.OfferPeer(addr, source)
	}
}

func (d *torrentDownload) SetDiscovery(disc peer.Discovery) {
	d.Lock()
	defer d.Unlock()
	d.discovery = disc
	if d.running {
		d.peerMgr.SetDiscovery(disc)
	}
}

func (d *torrentDownload) GetInfoHash() []byte {
	return d.tor.InfoHash
}

func (d *torrentDownload) Progress() Progress {
	p := Progress{
		Name:       d.tor.MetaInfo.Info.Name,
		InfoHash:   hex.EncodeToString(d.tor.InfoHash),
		TotalBytes: d.tor.Length,
	}
	d.Lock()
	running := d.running
	paused := d.paused
	d.Unlock()

	if !running {
		if paused {
			p.State = "paused"
		} else {
			p.State = "stopped"
		}
		return p
	}
	p.BytesVerified = d.pieceMgr.BytesVerified()
	p.Peers = d.peerMgr.NumPeers()
	p.UploadRate, p.DownloadRate = d.stats.GetClientRates()
	switch {
	case d.pieceMgr.Done():
		p.State = "seeding"
	case d.peerMgr.Stalled():
		p.State = "stalled"
	default:
		p.State = "downloading"
	}
	return p
}
