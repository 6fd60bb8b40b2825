package storage

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/FallenWarrior2k/transmission/torrent"
	"github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
)

type fileEntry struct {
	handle afero.File
	length int
	lock   sync.Mutex
}

type randomAccessStorage struct {
	torrent *torrent.Torrent
	baseDir string
	files   []*fileEntry
}

func NewRandomAccessStorage(baseDir string) Storage {
	return &randomAccessStorage{
		baseDir: baseDir,
	}
}

func (d *randomAccessStorage) Init(tor *torrent.Torrent) error {
	d.torrent = tor

	if len(tor.MetaInfo.Info.Files) > 0 {
		// Multiple File Mode
		root := filepath.Join(d.baseDir, tor.MetaInfo.Info.Name)
		if err := appFS.MkdirAll(root, 0755); err != nil {
			return err
		}
		for _, file := range tor.MetaInfo.Info.Files {
			parts := append([]string{root}, file.Path...)
			path := filepath.Join(parts...)
			if err := appFS.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			handle, err := appFS.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
			if err != nil {
				return err
			}
			d.files = append(d.files, &fileEntry{handle: handle, length: file.Length})
		}
	} else {
		// Single File Mode
		if err := appFS.MkdirAll(d.baseDir, 0755); err != nil {
			return err
		}
		handle, err := appFS.OpenFile(filepath.Join(d.baseDir, tor.MetaInfo.Info.Name), os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return err
		}
		d.files = append(d.files, &fileEntry{handle: handle, length: tor.Length})
	}
	return nil
}

// span maps one contiguous run of torrent bytes onto a single file.
type span struct {
	fileIndex int
	offset    int
	length    int
}

// spans translates a torrent-absolute byte range into per-file ranges,
// walking file boundaries in metainfo order.
func (d *randomAccessStorage) spans(offset, length int) ([]span, error) {
	if offset < 0 || length < 0 || offset+length > d.torrent.Length {
		return nil, fmt.Errorf("byte range [%d, %d) outside torrent", offset, offset+length)
	}
	var out []span
	for fileIndex := 0; fileIndex < len(d.files) && length > 0; fileIndex++ {
		fileLen := d.files[fileIndex].length
		if offset >= fileLen {
			offset -= fileLen
			continue
		}
		n := fileLen - offset
		if n > length {
			n = length
		}
		out = append(out, span{fileIndex: fileIndex, offset: offset, length: n})
		length -= n
		offset = 0
	}
	return out, nil
}

func (d *randomAccessStorage) BlockReadRequest(pieceIndex, blockByteOffset, length int) ([]byte, error) {
	offset := pieceIndex*d.torrent.MetaInfo.Info.PieceLength + blockByteOffset
	spans, err := d.spans(offset, length)
	if err != nil {
		return nil, err
	}
	blockData := &bytes.Buffer{}
	for _, s := range spans {
		data := make([]byte, s.length)
		entry := d.files[s.fileIndex]
		entry.lock.Lock()
		_, err := entry.handle.ReadAt(data, int64(s.offset))
		entry.lock.Unlock()
		if err != nil {
			return nil, err
		}
		blockData.Write(data)
	}
	return blockData.Bytes(), nil
}

func (d *randomAccessStorage) WritePieceRequest(pieceIndex int, data []byte) error {
	offset := pieceIndex * d.torrent.MetaInfo.Info.PieceLength
	spans, err := d.spans(offset, len(data))
	if err != nil {
		return err
	}
	for _, s := range spans {
		entry := d.files[s.fileIndex]
		entry.lock.Lock()
		_, err := entry.handle.WriteAt(data[:s.length], int64(s.offset))
		entry.lock.Unlock()
		if err != nil {
			return err
		}
		data = data[s.length:]
	}
	return nil
}

// GetCurrentDownloadState rescans the files on disk and rebuilds the
// verified bitfield by hashing every piece, so a partial download
// survives a restart.
func (d *randomAccessStorage) GetCurrentDownloadState() (bitmap.Bitmap, bool, int) {
	clientBitfield := bitmap.New(d.torrent.NumPieces)
	left := 0
	completed := true
	for pieceIndex := 0; pieceIndex < d.torrent.NumPieces; pieceIndex++ {
		pieceSize := d.torrent.PieceSize(pieceIndex)
		data, err := d.BlockReadRequest(pieceIndex, 0, pieceSize)
		if err == nil {
			actual := sha1.Sum(data)
			if bytes.Equal(actual[:], d.torrent.PieceHash(pieceIndex)) {
				clientBitfield.Set(pieceIndex, true)
				continue
			}
		}
		completed = false
		left += pieceSize
	}
	return clientBitfield, completed, left
}

func (d *randomAccessStorage) Close() error {
	var firstErr error
	for _, entry := range d.files {
		if err := entry.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
