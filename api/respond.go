package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"escrowflow/failure"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Kind: code, Message: message})
}

// statusFor maps a failure kind to its HTTP status.
func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindAuthorization:
		return http.StatusForbidden
	case failure.KindInvalidState, failure.KindDuplicate:
		return http.StatusConflict
	case failure.KindPrecondition:
		return http.StatusUnprocessableEntity
	case failure.KindExternal:
		return http.StatusBadGateway
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders domain failures with their code and details. Anything
// else is logged and hidden behind a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe, ok := failure.As(err)
	if !ok {
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeProblem(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	status := statusFor(fe.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{
		Code:    fe.Code,
		Kind:    string(fe.Kind),
		Message: fe.Error(),
		Details: fe.Details,
	})
}

// decode reads a JSON body into dst, rejecting unknown fields.
func decode(r *http.Request, dst any) error {
	return decodeBody(r, dst, false)
}

// decodeOptional is decode for endpoints whose body may be omitted.
func decodeOptional(r *http.Request, dst any) error {
	return decodeBody(r, dst, true)
}

func decodeBody(r *http.Request, dst any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return failure.ErrInvalid.WithMessage("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return failure.ErrInvalid.WithMessage("request body is required")
		}
		return failure.ErrInvalid.WithMessage("malformed JSON body: %v", err)
	}
	return nil
}
