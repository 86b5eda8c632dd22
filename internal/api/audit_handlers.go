package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/helixlabs/lims/internal/audit"
)

func (s *Server) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entries, err := s.audit.History(r.Context(), vars["entity_type"], vars["entity_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleCustody(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entries, err := audit.Custody(r.Context(), s.audit, vars["entity_type"], vars["entity_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"custody": entries, "count": len(entries)})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := audit.VerifyChain(r.Context(), s.audit, vars["entity_type"], vars["entity_id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "intact"})
}
