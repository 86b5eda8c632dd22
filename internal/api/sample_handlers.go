package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/helixlabs/lims/internal/sample"
)

func (s *Server) handleCreateSample(w http.ResponseWriter, r *http.Request) {
	var req sample.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	smp, err := s.samples.Create(r.Context(), req, actorFrom(r.Context()), RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, smp)
}

func (s *Server) handleListSamples(w http.ResponseWriter, r *http.Request) {
	status := sample.Status(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	list, err := s.samples.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"samples": list, "count": len(list)})
}

func (s *Server) handleGetSample(w http.ResponseWriter, r *http.Request) {
	smp, err := s.samples.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, smp)
}

func (s *Server) handleSampleByBarcode(w http.ResponseWriter, r *http.Request) {
	smp, err := s.samples.GetByBarcode(r.Context(), mux.Vars(r)["barcode"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, smp)
}

func (s *Server) handleUpdateSample(w http.ResponseWriter, r *http.Request) {
	var patch sample.UpdateRequest
	if err := decode(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	smp, err := s.samples.Update(r.Context(), mux.Vars(r)["id"], patch, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, smp)
}

func (s *Server) handleSampleStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status     sample.Status `json:"status"`
		NewStatus  sample.Status `json:"new_status"` // wire-contract alias
		LocationID string        `json:"location_id,omitempty"`
		Reason     string        `json:"reason,omitempty"`
		// Revert bypasses the transition table; the saga coordinator uses it
		// to undo a status step on the compensation path.
		Revert bool `json:"revert,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	next := req.Status
	if next == "" {
		next = req.NewStatus
	}
	id := mux.Vars(r)["id"]
	actor := actorFrom(r.Context())
	correlation := RequestIDFrom(r.Context())

	if req.Revert {
		if err := s.samples.RevertStatus(r.Context(), id, next, actor, correlation); err != nil {
			writeError(w, err)
			return
		}
		smp, err := s.samples.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, smp)
		return
	}

	opts := []sample.StatusOption{sample.WithCorrelation(correlation)}
	if req.LocationID != "" {
		opts = append(opts, sample.WithLocation(req.LocationID))
	}
	if req.Reason != "" {
		opts = append(opts, sample.WithReason(req.Reason))
	}
	smp, prior, err := s.samples.SetStatus(r.Context(), id, next, actor, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*sample.Sample
		PriorStatus sample.Status `json:"prior_status"`
	}{smp, prior})
}

// handleMoveSample relocates a stored sample and returns the custody
// reference: the request id tagged on the resulting audit entry.
func (s *Server) handleMoveSample(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToLocation string `json:"to_location"`
		Position   string `json:"position,omitempty"`
		Reason     string `json:"reason,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rid := RequestIDFrom(r.Context())
	container, err := s.storage.Move(r.Context(), mux.Vars(r)["id"], req.ToLocation, req.Position, actorFrom(r.Context()), rid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"audit_id":  rid,
		"container": container,
	})
}

func (s *Server) handleDeleteSample(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	reason := r.URL.Query().Get("reason")
	err := s.samples.Delete(r.Context(), mux.Vars(r)["id"], force, actorFrom(r.Context()), reason, RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleValidateSample(w http.ResponseWriter, r *http.Request) {
	report, err := s.samples.Validate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
