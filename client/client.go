package client

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/FallenWarrior2k/transmission/config"
	"github.com/FallenWarrior2k/transmission/torrent"
)

type Client interface {
	AddTorrent(torrentReader io.ReadSeeker) (infoHashHex string, err error)
	RemoveTorrent(infoHashHex string, removeData bool) error
	PauseTorrent(infoHashHex string) error
	ResumeTorrent(infoHashHex string) error
	OfferPeer(infoHashHex, addr, source string) error
	Progress() []Progress
	Close()
}

type client struct {
	sync.Mutex
	cfg              *config.Config
	limiter          *config.RateLimiter
	torrentDownloads map[string]TorrentDownload
	torrentsPath     string
}

// NewClient restores every previously-added torrent from the saved
// metainfo directory and resumes it from on-disk state.
func NewClient(cfg *config.Config) (Client, error) {
	c := &client{
		cfg:              cfg,
		limiter:          config.NewRateLimiter(cfg),
		torrentDownloads: make(map[string]TorrentDownload),
		torrentsPath:     filepath.Join(cfg.DownloadDirectory, ".torrents"),
	}
	if err := os.MkdirAll(c.torrentsPath, 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.torrentsPath)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		f, err := os.Open(filepath.Join(c.torrentsPath, entry.Name()))
		if err != nil {
			continue
		}
		c.addTorrent(f)
		f.Close()
	}
	return c, nil
}

func (c *client) AddTorrent(torrentReader io.ReadSeeker) (string, error) {
	infoHashHex, err := c.addTorrent(torrentReader)
	if err != nil {
		return "", err
	}
	if err := c.saveTorrent(torrentReader, infoHashHex); err != nil {
		return "", err
	}
	return infoHashHex, nil
}

func (c *client) addTorrent(torrentReader io.ReadSeeker) (string, error) {
	tor, err := torrent.NewTorrent(torrentReader)
	if err != nil {
		return "", err
	}
	infoHashHex := hex.EncodeToString(tor.InfoHash)

	c.Lock()
	if _, ok := c.torrentDownloads[infoHashHex]; ok {
		c.Unlock()
		return infoHashHex, nil
	}
	d := NewTorrentDownload(tor, c.cfg, c.limiter)
	c.torrentDownloads[infoHashHex] = d
	c.Unlock()

	return infoHashHex, d.Start()
}

func (c *client) saveTorrent(torrentReader io.ReadSeeker, infoHashHex string) error {
	torrentReader.Seek(0, 0)
	data, err := io.ReadAll(torrentReader)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.torrentsPath, infoHashHex+".torrent"), data, 0644)
}

func (c *client) lookup(infoHashHex string) (TorrentDownload, error) {
	c.Lock()
	defer c.Unlock()
	d, ok := c.torrentDownloads[infoHashHex]
	if !ok {
		return nil, fmt.Errorf("unknown torrent %s", infoHashHex)
	}
	return d, nil
}

// RemoveTorrent destroys the torrent: the engine is torn down
// synchronously, stale verification results are discarded, and the
// saved metainfo (optionally the data too) is deleted.
func (c *client) RemoveTorrent(infoHashHex string, removeData bool) error {
	d, err := c.lookup(infoHashHex)
	if err != nil {
		return err
	}
	d.Stop()
	c.Lock()
	delete(c.torrentDownloads, infoHashHex)
	c.Unlock()

	os.Remove(filepath.Join(c.torrentsPath, infoHashHex+".torrent"))
	if removeData {
		name := d.Progress().Name
		if name != "" {
			return os.RemoveAll(filepath.Join(c.cfg.DownloadDirectory, name))
		}
	}
	return nil
}

func (c *client) PauseTorrent(infoHashHex string) error {
	d, err := c.lookup(infoHashHex)
	if err != nil {
		return err
	}
	d.Pause()
	return nil
}

func (c *client) ResumeTorrent(infoHashHex string) error {
	d, err := c.lookup(infoHashHex)
	if err != nil {
		return err
	}
	return d.Resume()
}

func (c *client) OfferPeer(infoHashHex, addr, source string) error {
	d, err := c.lookup(infoHashHex)
	if err != nil {
		return err
	}
	d.OfferPeer(addr, source)
	return nil
}

func (c *client) Progress() []Progress {
	c.Lock()
	downloads := make([]TorrentDownload, 0, len(c.torrentDownloads))
	for _, d := range c.torrentDownloads {
		downloads = append(downloads, d)
	}
	c.Unlock()

	out := make([]Progress, 0, len(downloads))
	for _, d := range downloads {
		out = append(out, d.Progress())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *client) Close() {
	c.Lock()
	downloads := make([]TorrentDownload, 0, len(c.torrentDownloads))
	for _, d := range c.torrentDownloads {
		downloads = append(downloads, d)
	}
	c.Unlock()
	for _, d := range downloads {
		d.Stop()
	}
}
