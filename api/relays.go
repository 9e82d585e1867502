package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/asmogo/nostrmux/store"
)

// RelayInfo is a persisted relay merged with its runtime status.
type RelayInfo struct {
	ID                string   `json:"id"`
	URL               string   `json:"url"`
	Active            bool     `json:"active"`
	Connected         bool     `json:"connected"`
	PingMS            int64    `json:"ping_ms"`
	NumSentEvents     uint64   `json:"num_sent_events"`
	NumReceivedEvents uint64   `json:"num_received_events"`
	ErrorCounter      int      `json:"error_counter"`
	ErrorList         []string `json:"error_list"`
	NoticeList        []string `json:"notice_list"`
}

func (s *Server) relayList() ([]RelayInfo, error) {
	persisted, err := s.store.LoadRelays()
	if err != nil {
		return nil, err
	}
	infos := make([]RelayInfo, 0, len(persisted))
	for _, row := range persisted {
		info := RelayInfo{ID: row.ID, URL: row.URL, Active: row.Active}
		if status, ok := s.manager.StatusFor(row.URL); ok {
			info.Connected = status.Connected
			info.PingMS = status.PingMS
			info.NumSentEvents = status.NumSentEvents
			info.NumReceivedEvents = status.NumReceivedEvents
			info.ErrorCounter = status.ErrorCounter
			info.ErrorList = status.ErrorList
			info.NoticeList = status.NoticeList
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Server) handleListRelays(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.relayList()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleAddRelay(w http.ResponseWriter, r *http.Request) {
	var body store.Relay
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "relay url is required")
		return
	}
	if !isWebsocketURL(body.URL) {
		writeError(w, http.StatusBadRequest, "relay url must be ws:// or wss://")
		return
	}
	body.Active = true
	saved, err := s.store.SaveRelay(body)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRelay) {
			writeError(w, http.StatusBadRequest, "relay url already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.manager.AddRelay(r.Context(), saved.URL); err != nil {
		// keep the row; the supervisor retries the connection
		slog.Warn("relay added but not yet connected", "relay", saved.URL, "error", err)
	}
	infos, err := s.relayList()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDeleteRelay(w http.ResponseWriter, r *http.Request) {
	var body store.Relay
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "relay url is required")
		return
	}
	s.manager.RemoveRelay(body.URL)
	if err := s.store.DeleteRelay(body.URL); err != nil {
		if errors.Is(err, store.ErrRelayNotFound) {
			writeError(w, http.StatusNotFound, "relay not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func isWebsocketURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "ws" || parsed.Scheme == "wss") && parsed.Host != ""
}
