// Package webseed downloads blocks from plain HTTP servers carrying a
// full copy of the torrent content (BEP 19 url-list entries). A
// webseed is modeled as a synthetic peer with a full bitfield that is
// never choking, so the same rarest-first scheduler hands it work.
package webseed

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/FallenWarrior2k/transmission/piece"
	"github.com/FallenWarrior2k/transmission/stats"
	"github.com/FallenWarrior2k/transmission/torrent"
	"github.com/FallenWarrior2k/transmission/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/dghubble/sling"
	"golang.org/x/net/publicsuffix"
)

var (
	FETCH_TIMEOUT = 60 * time.Second
	MAX_FAILURES  = 5
)

type Client interface {
	Start()
	Stop()
}

type client struct {
	sync.Mutex
	id       string
	url      string
	tor      *torrent.Torrent
	pieceMgr piece.PieceManager
	stats    stats.Stats
	bitfield bitmap.Bitmap
	httpc    *http.Client
	canceled map[string]bool
	failures int
	stopped  bool
	seedWire wire.Wire
}

func NewClient(
	url string,
	tor *torrent.Torrent,
	pieceMgr piece.PieceManager,
	st stats.Stats) Client {

	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	bf := bitmap.New(tor.NumPieces)
	for i := 0; i < tor.NumPieces; i++ {
		bf.Set(i, true)
	}
	c := &client{
		id:       "webseed:" + url,
		url:      url,
		tor:      tor,
		pieceMgr: pieceMgr,
		stats:    st,
		bitfield: bf,
		httpc: &http.Client{
			Jar:     jar,
			Timeout: FETCH_TIMEOUT,
		},
		canceled: make(map[string]bool),
	}
	c.seedWire = &seedWire{client: c}
	return c
}

func (c *client) Start() {
	c.refill()
}

func (c *client) Stop() {
	c.Lock()
	c.stopped = true
	c.Unlock()
	// the synthetic peer never registered availability, so there is no
	// bitfield to subtract from the rarity counters
	c.pieceMgr.PeerStopped(c.id, nil)
}

func (c *client) refill() {
	c.Lock()
	stopped := c.stopped
	c.Unlock()
	if stopped || c.pieceMgr.Done() {
		return
	}
	if _, err := c.pieceMgr.SendBlockRequests(c.id, c.seedWire, &c.bitfield); err != nil {
		log.Printf("webseed %s: %v", c.url, err)
	}
}

// contentURL maps the torrent content onto the seed URL. A URL ending
// in / serves a directory keyed by the torrent name, otherwise it
// points at the single file directly.
func (c *client) contentURL() string {
	if strings.HasSuffix(c.url, "/") {
		return c.url + c.tor.MetaInfo.Info.Name
	}
	return c.url
}

func requestKey(pieceIndex, begin int) string {
	return fmt.Sprintf("%d/%d", pieceIndex, begin)
}

// fetch runs one Range request for one block on its own goroutine and
// feeds the result back through the scheduler's serialized update
// path.
func (c *client) fetch(pieceIndex, begin, length int) {
	offset := pieceIndex*c.tor.MetaInfo.Info.PieceLength + begin
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	req, err := sling.New().
		Client(c.httpc).
		Get(c.contentURL()).
		Set("Range", rangeHeader).
		Request()
	if err != nil {
		c.fail(err)
		return
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.fail(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		c.fail(fmt.Errorf("webseed status %s", resp.Status))
		return
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, data); err != nil {
		c.fail(err)
		return
	}

	c.Lock()
	key := requestKey(pieceIndex, begin)
	wasCanceled := c.canceled[key]
	delete(c.canceled, key)
	c.failures = 0
	stopped := c.stopped
	c.Unlock()
	if stopped || wasCanceled {
		return
	}

	if _, err := c.pieceMgr.WriteBlock(c.id, pieceIndex, begin, data); err != nil {
		c.fail(err)
		return
	}
	c.stats.UpdatePeer(c.id, 0, length)
	c.refill()
}

// fail counts consecutive fetch errors; a webseed that keeps failing
// is retired like a dead peer.
func (c *client) fail(err error) {
	log.Printf("webseed %s: %v", c.url, err)
	c.Lock()
	c.failures++
	tooMany := c.failures >= MAX_FAILURES
	c.Unlock()
	if tooMany {
		c.Stop()
		return
	}
	time.Sleep(time.Second)
	c.refill()
}

// seedWire adapts the scheduler's wire expectations to HTTP fetches.
// Everything except request/cancel is meaningless for a webseed.
type seedWire struct {
	noopWire
	client *client
}

func (w *seedWire) SendRequest(pieceIndex, begin, length int) error {
	go w.client.fetch(pieceIndex, begin, length)
	return nil
}

func (w *seedWire) SendCancel(pieceIndex, begin, length int) error {
	w.client.Lock()
	defer w.client.Unlock()
	w.client.canceled[requestKey(pieceIndex, begin)] = true
	return nil
}

type noopWire struct{}

func (noopWire) ReadHandshake() (*wire.Handshake, error) { return nil, fmt.Errorf("not a socket") }
func (noopWire) ReadMessage() (*wire.Message, error)     { return nil, fmt.Errorf("not a socket") }
func (noopWire) SendHandshake(infoHash, peerID []byte) error         { return nil }
func (noopWire) SendKeepAlive() error                                { return nil }
func (noopWire) SendChoke() error                                    { return nil }
func (noopWire) SendUnchoke() error                                  { return nil }
func (noopWire) SendInterested() error                               { return nil }
func (noopWire) SendUnInterested() error                             { return nil }
func (noopWire) SendHave(pieceIndex int) error                       { return nil }
func (noopWire) SendBitField(bitfield []byte) error                  { return nil }
func (noopWire) SendRequest(pieceIndex, begin, length int) error     { return nil }
func (noopWire) SendBlock(pieceIndex, begin int, block []byte) error { return nil }
func (noopWire) SendCancel(pieceIndex, begin, length int) error      { return nil }
func (noopWire) SendPort(port uint16) error                          { return nil }
func (noopWire) SendExtended(extendedID uint8, payload []byte) error { return nil }
func (noopWire) GetLastMessageSent() time.Time                       { return time.Time{} }
func (noopWire) Close()                                              {}
