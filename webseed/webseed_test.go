package webseed

import (
	"bytes"
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/FallenWarrior2k/transmission/piece"
	"github.com/FallenWarrior2k/transmission/stats"
	"github.com/FallenWarrior2k/transmission/storage"
	"github.com/FallenWarrior2k/transmission/torrent"
)

type mockDisk struct {
	storage.Storage
	mock.Mock
}

func (m *mockDisk) WritePieceRequest(pieceIndex int, data []byte) error {
	args := m.Called(pieceIndex, data)
	return args.Error(0)
}

type doneListener struct {
	verified chan int
}

func (l *doneListener) PieceVerified(pieceIndex int)              { l.verified <- pieceIndex }
func (l *doneListener) PieceCorrupt(pieceIndex int, _ mapset.Set) {}

// serveContent stands in for a plain HTTP mirror of the torrent data.
func serveContent(content []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "content.bin", time.Time{}, bytes.NewReader(content))
	}))
}

func TestWebseedDownloadsWholeTorrent(t *testing.T) {
	content := make([]byte, 2*piece.BLOCK_SIZE)
	for i := range content {
		content[i] = byte(i % 251)
	}
	hash0 := sha1.Sum(content[:piece.BLOCK_SIZE])
	hash1 := sha1.Sum(content[piece.BLOCK_SIZE:])
	tor := &torrent.Torrent{
		NumPieces: 2,
		Length:    len(content),
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: piece.BLOCK_SIZE,
				Name:        "content.bin",
				Pieces:      string(hash0[:]) + string(hash1[:]),
			},
		},
	}

	ts := serveContent(content)
	defer ts.Close()

	disk := &mockDisk{}
	disk.On("WritePieceRequest", 0, mock.MatchedBy(func(data []byte) bool {
		return bytes.Equal(data, content[:piece.BLOCK_SIZE])
	})).Return(nil).Once()
	disk.On("WritePieceRequest", 1, mock.MatchedBy(func(data []byte) bool {
		return bytes.Equal(data, content[piece.BLOCK_SIZE:])
	})).Return(nil).Once()

	policy := piece.DefaultPolicy()
	policy.RandomFirstPiece = false
	pieceMgr := piece.NewRarestFirstPieceManager(tor, disk, bitmap.New(2), policy, 1)
	defer pieceMgr.Stop()
	listener := &doneListener{verified: make(chan int, 2)}
	pieceMgr.SetListener(listener)

	st := stats.NewStats(0, 0, len(content))
	seed := NewClient(ts.URL+"/", tor, pieceMgr, st)
	seed.Start()

	for i := 0; i < tor.NumPieces; i++ {
		select {
		case <-listener.verified:
		case <-time.After(10 * time.Second):
			t.Fatal("webseed download never completed")
		}
	}
	assert.True(t, pieceMgr.Done())
	disk.AssertExpectations(t)
}

type stubPieceManager struct {
	piece.PieceManager
	mock.Mock
}

func (m *stubPieceManager) WriteBlock(id string, pieceIndex, begin int, data []byte) (*piece.BlockReceipt, error) {
	args := m.Called(id, pieceIndex, begin, data)
	return args.Get(0).(*piece.BlockReceipt), args.Error(1)
}

func (m *stubPieceManager) PeerStopped(id string, peerBitfield *bitmap.Bitmap) {
	m.Called(id, peerBitfield)
}

func TestCanceledFetchIsDropped(t *testing.T) {
	content := make([]byte, piece.BLOCK_SIZE)
	tor := &torrent.Torrent{
		NumPieces: 1,
		Length:    len(content),
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: piece.BLOCK_SIZE,
				Name:        "content.bin",
			},
		},
	}

	ts := serveContent(content)
	defer ts.Close()

	pieceMgr := &stubPieceManager{}
	c := NewClient(ts.URL+"/", tor, pieceMgr, stats.NewStats(0, 0, len(content))).(*client)

	// the scheduler withdraws the request before the response lands
	c.seedWire.SendCancel(0, 0, piece.BLOCK_SIZE)
	c.fetch(0, 0, piece.BLOCK_SIZE)

	pieceMgr.AssertNotCalled(t, "WriteBlock", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, c.canceled)
}

func TestStopRetiresWithoutAvailability(t *testing.T) {
	tor := &torrent.Torrent{
		NumPieces: 1,
		Length:    piece.BLOCK_SIZE,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: piece.BLOCK_SIZE,
				Name:        "content.bin",
			},
		},
	}

	// the synthetic peer never fed a bitfield into the rarity counters,
	// so its retirement must not subtract one either
	pieceMgr := &stubPieceManager{}
	pieceMgr.On("PeerStopped", mock.Anything, (*bitmap.Bitmap)(nil)).Once()

	c := NewClient("http://mirror.invalid/", tor, pieceMgr, stats.NewStats(0, 0, tor.Length))
	c.Stop()
	pieceMgr.AssertExpectations(t)
}
