package storage

import (
	"github.com/FallenWarrior2k/transmission/torrent"
	"github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()

// SetFs swaps the backing filesystem, used by tests to run against an
// in-memory fs.
func SetFs(fs afero.Fs) {
	appFS = fs
}

// Storage is the disk collaborator: raw block reads and piece writes
// addressed by torrent geometry. Writes land only for hash-verified
// pieces; the caller guarantees one writer per byte range.
type Storage interface {
	Init(tor *torrent.Torrent) error
	BlockReadRequest(pieceIndex, blockByteOffset, length int) (blockData []byte, err error)
	WritePieceRequest(pieceIndex int, data []byte) (err error)
	GetCurrentDownloadState() (clientBitfield bitmap.Bitmap, completed bool, left int)
	Close() error
}
