package client

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// HTTPServeMux is the JSON control surface consumed by front-ends:
// add/remove/pause/resume plus a progress listing.
type HTTPServeMux struct {
	*http.ServeMux
	client Client
}

func NewHTTPServeMux(client Client) *HTTPServeMux {
	sm := &HTTPServeMux{
		ServeMux: http.NewServeMux(),
		client:   client,
	}
	sm.HandleFunc("/torrents", sm.torrents)
	sm.HandleFunc("/torrents/command", sm.commandTorrent)
	return sm
}

func (sm *HTTPServeMux) torrents(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(sm.client.Progress())
	case http.MethodPost:
		// body is the raw torrent file
		torrentBuff := &bytes.Buffer{}
		if _, err := torrentBuff.ReadFrom(r.Body); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		infoHashHex, err := sm.client.AddTorrent(bytes.NewReader(torrentBuff.Bytes()))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]string{"infoHash": infoHashHex})
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type command struct {
	TorrentID  string `json:"torrentID"`
	Command    string `json:"command"`
	RemoveData bool   `json:"removeData"`
}

func (sm *HTTPServeMux) commandTorrent(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cmd := command{}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.TorrentID == "" {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	var err error
	switch cmd.Command {
	case "pause":
		err = sm.client.PauseTorrent(cmd.TorrentID)
	case "resume":
		err = sm.client.ResumeTorrent(cmd.TorrentID)
	case "remove":
		err = sm.client.RemoveTorrent(cmd.TorrentID, cmd.RemoveData)
	default:
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}
	rw.WriteHeader(http.StatusOK)
}
