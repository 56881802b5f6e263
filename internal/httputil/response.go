// Package httputil provides the JSON request/response helpers shared by the
// HTTP API and middleware.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	svcerrors "github.com/R3E-Network/treasury_layer/internal/errors"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error *svcerrors.ServiceError `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes err under the {"error": {...}} envelope. Non-service
// errors are masked as internal.
func WriteError(w http.ResponseWriter, err error) {
	svcErr := svcerrors.GetServiceError(err)
	if svcErr == nil {
		svcErr = svcerrors.Internal("internal error", err)
	}
	WriteJSON(w, svcErr.HTTPStatus, errorEnvelope{Error: svcErr})
}

// DecodeJSON decodes the request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return svcerrors.BadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
