// Package api is the oracle's HTTP surface (spec §6): a gorilla/mux router
// serving the JSON REST endpoints plus a gorilla/websocket /pipeline
// namespace fed by internal/pubsub.Bus.
//
// Grounded on walletserver/routes and walletserver/controllers for the
// router/controller shape, generalized per spec §7 into one central
// error-to-status mapping table instead of the teacher's scattered
// http.Error(w, err.Error(), 400) calls at each handler — justified because
// the spec names a closed error taxonomy the teacher's ad hoc VM errors
// never had.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"inference-oracle/internal/ingest"
	"inference-oracle/internal/proofs"
	"inference-oracle/internal/sig"
)

// errorBody is the structured JSON shape for every rejected request,
// replacing the teacher's plain-text http.Error bodies per spec §7
// "structured error codes".
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps a business-logic error to an HTTP status and stable code.
// Unmatched errors are treated as internal/systemic (spec §7 "Systemic").
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sig.ErrBadSignature),
		errors.Is(err, ingest.ErrRejectedSignature),
		errors.Is(err, ingest.ErrRejectedStaleReplay):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ingest.ErrRejectedBounds),
		errors.Is(err, ingest.ErrRejectedUnregistered),
		errors.Is(err, proofs.ErrBadHashFormat),
		errors.Is(err, proofs.ErrTrivialHashes),
		errors.Is(err, proofs.ErrTokenCountExceedsMetrics),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ingest.ErrInternalPersist):
		return http.StatusInternalServerError, "internal"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// errBadRequest and errNotFound are generic client-facing sentinels for
// handler-local validation (malformed query params, unknown route params)
// that don't belong to any component's own taxonomy.
var (
	errBadRequest = errors.New("api: bad request")
	errNotFound   = errors.New("api: not found")
)

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
