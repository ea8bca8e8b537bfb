package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"queue-notifier/pkg/notifier"
)

// Counters served by the office.
const (
	minCounterID = 1
	maxCounterID = 10
)

type snapshotRequest struct {
	CounterID    int `json:"counter_id"`
	LatestCalled int `json:"latest_called"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.adminToken == "" || s.snapshots == nil {
		http.NotFound(w, r)
		return
	}
	if !s.authorizedAdmin(r) {
		s.logger.Warn("Rejected snapshot with bad credentials", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req snapshotRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.CounterID < minCounterID || req.CounterID > maxCounterID {
		http.Error(w, "counter_id must be between 1 and 10", http.StatusBadRequest)
		return
	}
	if counter, ok := notifier.CounterFor(req.LatestCalled); !ok || counter != req.CounterID {
		http.Error(w, "latest_called is not served by counter_id", http.StatusBadRequest)
		return
	}

	snap := notifier.Snapshot{CounterID: req.CounterID, LatestCalled: req.LatestCalled}
	if err := s.snapshots.Append(r.Context(), snap); err != nil {
		s.logger.Error("Failed to store snapshot", "counter_id", req.CounterID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Snapshot ingested", "counter_id", req.CounterID, "latest_called", req.LatestCalled)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if _, err := fmt.Fprint(w, `{"status":"stored"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) authorizedAdmin(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}
