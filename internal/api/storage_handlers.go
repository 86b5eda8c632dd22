package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/helixlabs/lims/internal/storage"
)

func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	var req storage.CreateLocationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	loc, err := s.storage.CreateLocation(r.Context(), req, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loc)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.storage.GetLocation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleLocationCapacity(w http.ResponseWriter, r *http.Request) {
	loc, err := s.storage.GetLocation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"max":         loc.Capacity,
		"used":        loc.Used,
		"utilization": loc.Utilization(),
		"status":      s.storage.Level(loc),
	})
}

func (s *Server) handleLocationStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status storage.LocationStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	loc, err := s.storage.SetLocationStatus(r.Context(), mux.Vars(r)["id"], req.Status, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleLocationContents(w http.ResponseWriter, r *http.Request) {
	containers, err := s.storage.Contents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"containers": containers, "count": len(containers)})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req storage.AllocateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	alloc, err := s.storage.Allocate(r.Context(), req, actorFrom(r.Context()), RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if alloc.AlreadyApplied {
		status = http.StatusOK
	}
	writeJSON(w, status, alloc)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SampleID   string `json:"sample_id"`
		LocationID string `json:"location_id"`
		Reason     string `json:"reason,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.storage.Release(r.Context(), req.LocationID, req.SampleID, actorFrom(r.Context()), RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleCapacityReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.storage.Report(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locations": report})
}
