package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/saga"
	"github.com/helixlabs/lims/internal/sample"
	"github.com/helixlabs/lims/internal/storage"
)

// handleProcessSample launches the intake workflow asynchronously and hands
// back the transaction id for polling.
func (s *Server) handleProcessSample(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SampleRequest sample.CreateRequest `json:"sample_request"`
		RequiredZone  storage.Zone         `json:"required_zone"`
		LocationID    string               `json:"location_id,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !storage.ValidZone(req.RequiredZone) {
		writeError(w, apperr.Newf(apperr.KindValidation, "unknown temperature zone %q", req.RequiredZone))
		return
	}
	contextData := map[string]interface{}{
		"sample":        samplePayload(req.SampleRequest),
		"required_zone": string(req.RequiredZone),
	}
	if req.LocationID != "" {
		contextData["location_id"] = req.LocationID
	}
	inst, err := s.sagas.Start(r.Context(), saga.ProcessSampleWorkflow, contextData, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"transaction_id": inst.ID,
		"state":          string(inst.State),
	})
}

func (s *Server) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	inst, err := s.sagas.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleCancelSaga(w http.ResponseWriter, r *http.Request) {
	if err := s.sagas.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// samplePayload flattens the typed request into the generic context map the
// workflow steps consume.
func samplePayload(req sample.CreateRequest) map[string]interface{} {
	payload := map[string]interface{}{
		"name":          req.Name,
		"sample_type":   string(req.SampleType),
		"concentration": req.Concentration,
		"volume":        req.Volume,
	}
	if req.Barcode != "" {
		payload["barcode"] = req.Barcode
	}
	if req.Unit != "" {
		payload["unit"] = req.Unit
	}
	if req.QualityScore != 0 {
		payload["quality_score"] = req.QualityScore
	}
	if req.TemplateID != nil {
		payload["template_id"] = *req.TemplateID
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	return payload
}
