package api

import (
	"context"
	"encoding/json"
	"net/http"
)

// apiError is the JSON envelope every failed request gets. Code is a stable
// machine-readable string derived from the status; validation failures carry
// the offending schema paths in Details.
type apiError struct {
	Code      string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

type ctxKeyRequestID struct{}

// requestIDFrom returns the request id injected by LoggingMiddleware, or the
// client-supplied header when the middleware has not run yet.
func requestIDFrom(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(ctxKeyRequestID{}).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// errorCode maps a response status to the envelope code. Only statuses the
// handlers actually produce get distinct codes.
func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal_error"
	}
}

// writeError writes the error envelope and mirrors the request id so clients
// can correlate a failure with server logs.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string, details map[string]interface{}) {
	resp := apiError{
		Code:      errorCode(status),
		Message:   message,
		Details:   details,
		RequestID: requestIDFrom(r.Context(), r),
	}

	if resp.RequestID != "" {
		w.Header().Set("X-Request-ID", resp.RequestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
