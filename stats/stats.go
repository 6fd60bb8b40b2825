package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

type Stats interface {
	GetTrackerStats() (uploaded int, downloaded int, left int)
	GetClientRates() (uploadRate int, downloadRate int)
	GetPeerStats() (peerStats map[string]*PeerStat)
	UpdatePeer(id string, uploaded int, downloaded int)
	RemovePeer(id string)
}

const (
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex

	trackerStats *TrackerStats
	clientStats  *ClientStats
	peerStats    map[string]*PeerStat
}

type TrackerStats struct {
	TotalUpload   int
	TotalDownload int
	Left          int
}

type ClientStats struct {
	UploadRate       int
	DownloadRate     int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

type PeerStat struct {
	UploadRate       int
	DownloadRate     int
	currentUpload    int
	currentDownload  int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

func NewStats(
	uploaded int, downloaded int, left int) Stats {

	return &stats{
		trackerStats: &TrackerStats{
			TotalUpload:   uploaded,
			TotalDownload: downloaded,
			Left:          left,
		},
		clientStats: &ClientStats{},
		peerStats:   make(map[string]*PeerStat),
	}
}

func (s *stats) GetTrackerStats() (int, int, int) {
	s.Lock()
	defer s.Unlock()

	return s.trackerStats.TotalUpload, s.trackerStats.TotalDownload, s.trackerStats.Left
}

func (s *stats) GetClientRates() (int, int) {
	s.Lock()
	defer s.Unlock()

	return s.clientStats.UploadRate, s.clientStats.DownloadRate
}

func (s *stats) UpdatePeer(id string, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	peerStat.currentUpload += uploaded
	peerStat.currentDownload += downloaded
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// GetPeerStats rolls the per-peer activity windows forward and returns
// the ponderated rates. Callers invoke it on a fixed interval (the
// choke loop), which is what gives the windows their time base. The
// returned map is a snapshot; peers keep mutating the live windows
// through UpdatePeer while the caller iterates.
func (s *stats) GetPeerStats() map[string]*PeerStat {
	s.Lock()
	defer s.Unlock()

	snapshot := make(map[string]*PeerStat, len(s.peerStats))
	clientCurrentUpload := 0
	clientCurrentDownload := 0
	for id, peerStat := range s.peerStats {
		peerStat.uploadActivity[peerStat.i] = peerStat.currentUpload
		peerStat.downloadActivity[peerStat.i] = peerStat.currentDownload
		underscore.Chain(peerStat.uploadActivity).Reduce(sumReduce, 0).Value(&peerStat.UploadRate)
		peerStat.UploadRate /= PONDERATION_TIME
		underscore.Chain(peerStat.downloadActivity).Reduce(sumReduce, 0).Value(&peerStat.DownloadRate)
		peerStat.DownloadRate /= PONDERATION_TIME
		peerStat.i = (peerStat.i + 1) % PONDERATION_TIME

		clientCurrentUpload += peerStat.currentUpload
		clientCurrentDownload += peerStat.currentDownload
		peerStat.currentUpload = 0
		peerStat.currentDownload = 0

		snapshot[id] = &PeerStat{
			UploadRate:   peerStat.UploadRate,
			DownloadRate: peerStat.DownloadRate,
		}
	}

	s.clientStats.uploadActivity[s.clientStats.i] = clientCurrentUpload
	s.clientStats.downloadActivity[s.clientStats.i] = clientCurrentDownload
	underscore.Chain(s.clientStats.uploadActivity).Reduce(sumReduce, 0).Value(&s.clientStats.UploadRate)
	s.clientStats.UploadRate /= PONDERATION_TIME
	underscore.Chain(s.clientStats.downloadActivity).Reduce(sumReduce, 0).Value(&s.clientStats.DownloadRate)
	s.clientStats.DownloadRate /= PONDERATION_TIME
	s.clientStats.i = (s.clientStats.i + 1) % PONDERATION_TIME

	s.trackerStats.TotalUpload += clientCurrentUpload
	s.trackerStats.TotalDownload += clientCurrentDownload
	if s.trackerStats.Left > clientCurrentDownload {
		s.trackerStats.Left -= clientCurrentDownload
	} else {
		s.trackerStats.Left = 0
	}
	return snapshot
}
