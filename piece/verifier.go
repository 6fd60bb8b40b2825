package piece

import (
	"bytes"
	"crypto/sha1"
)

// verifyRequest is a completed piece waiting for its digest check. The
// generation lets the manager detect results that went stale while the
// hash was being computed (piece reset, torrent removed).
type verifyRequest struct {
	pieceIndex int
	generation uint64
	data       []byte
	expected   []byte
}

type verifyResult struct {
	pieceIndex int
	generation uint64
	data       []byte
	ok         bool
}

// Verifier runs SHA-1 checks on a bounded worker pool so hashing never
// stalls connection message pumps. Results come back through a single
// callback, never shared state.
type Verifier struct {
	jobs chan *verifyRequest
	quit chan int
}

func NewVerifier(workers int, deliver func(*verifyResult)) *Verifier {
	if workers <= 0 {
		workers = 1
	}
	v := &Verifier{
		jobs: make(chan *verifyRequest, workers*2),
		quit: make(chan int),
	}
	for i := 0; i < workers; i++ {
		go v.work(deliver)
	}
	return v
}

func (v *Verifier) work(deliver func(*verifyResult)) {
	for {
		select {
		case <-v.quit:
			return
		case req := <-v.jobs:
			actual := sha1.Sum(req.data)
			deliver(&verifyResult{
				pieceIndex: req.pieceIndex,
				generation: req.generation,
				data:       req.data,
				ok:         bytes.Equal(req.expected, actual[:]),
			})
		}
	}
}

func (v *Verifier) Submit(req *verifyRequest) {
	select {
	case <-v.quit:
	case v.jobs <- req:
	}
}

func (v *Verifier) Stop() {
	close(v.quit)
}
