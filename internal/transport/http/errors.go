package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"appointment-service/internal/service/admission"
)

const (
	codeNotFound           = "not_found"
	codeMethodNotAllowed   = "method_not_allowed"
	codeInvalidRequestBody = "invalid_request_body"
	codeBodyTooLarge       = "request_body_too_large"
	codeInvalidID          = "invalid_id"
	codeRateLimited        = "rate_limited"
	codeRateLimiterDown    = "rate_limiter_unavailable"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	ConflictingID string `json:"conflictingId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeErrorResponse(w, status, errorResponse{Error: msg, Code: code})
}

func writeErrorResponse(w http.ResponseWriter, status int, resp errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(resp)
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func statusForKind(kind admission.Kind) int {
	switch kind {
	case admission.KindInvalidInput:
		return http.StatusBadRequest
	case admission.KindConflict:
		return http.StatusConflict
	case admission.KindNotFound:
		return http.StatusNotFound
	case admission.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeAdmissionError maps an engine error onto the wire. Client errors are
// logged at warn; store failures and unknown errors at error.
func writeAdmissionError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var aErr *admission.AdmissionError
	if !errors.As(err, &aErr) {
		log.Error("unexpected handler error", slog.String("request_id", RequestIDFromContext(r.Context())), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	status := statusForKind(aErr.Kind)
	attrs := []any{
		slog.String("request_id", RequestIDFromContext(r.Context())),
		slog.String("kind", string(aErr.Kind)),
		slog.Int("status", status),
	}
	if aErr.Kind == admission.KindStoreUnavailable {
		log.Error("admission request failed", append(attrs, slog.Any("err", err))...)
	} else {
		log.Warn("admission request rejected", append(attrs, slog.String("reason", aErr.Reason))...)
	}

	resp := errorResponse{Error: aErr.Reason, Code: string(aErr.Kind)}
	if aErr.Kind == admission.KindConflict && aErr.ConflictingID != uuid.Nil {
		resp.ConflictingID = aErr.ConflictingID.String()
	}
	writeErrorResponse(w, status, resp)
}
