package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/helixlabs/lims/internal/apperr"
)

// maxBodyBytes caps request bodies. Sample metadata is the largest payload
// we accept and it fits comfortably under this.
const maxBodyBytes = 1 << 20

// errorBody is the wire error envelope. Every non-2xx response carries it.
type errorBody struct {
	ErrorKind string                 `json:"error_kind"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		ErrorKind: string(apperr.KindOf(err)),
		Message:   err.Error(),
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
		body.Details = ae.Details
	}
	writeJSON(w, apperr.HTTPStatus(err), body)
}

// decode reads a JSON body into v. Unknown fields are tolerated; malformed
// JSON and oversized bodies surface as Validation errors.
func decode(r *http.Request, v interface{}) error {
	defer io.Copy(io.Discard, r.Body)
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed request body", err)
	}
	return nil
}
