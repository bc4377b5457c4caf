// internal/handlers/utils.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jason-s-yu/lobbyd/internal/auth"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
)

// maxBodyBytes caps request bodies; lobby payloads are small.
const maxBodyBytes = 64 << 10

// ErrorBody is the JSON envelope of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code clients can map back to a sentinel.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	LobbyID string `json:"lobbyId,omitempty"`
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lobby.ErrNotFound),
		errors.Is(err, lobby.ErrMemberNotFound),
		errors.Is(err, lobby.ErrInvalidCode):
		return http.StatusNotFound
	case errors.Is(err, lobby.ErrFull),
		errors.Is(err, lobby.ErrDuplicateMember),
		errors.Is(err, lobby.ErrNoAvailableLobby):
		return http.StatusConflict
	case errors.Is(err, lobby.ErrNotHost),
		errors.Is(err, lobby.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, lobby.ErrCapacity),
		errors.Is(err, lobby.ErrInvalidFilter),
		errors.Is(err, lobby.ErrInvalidPlayer),
		errors.Is(err, lobby.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err with its status and wire code.
func writeError(w http.ResponseWriter, err error) {
	detail := ErrorDetail{Code: lobby.Code(err), Message: err.Error()}
	if errors.Is(err, auth.ErrAuth) {
		detail.Code = "unauthorized"
	}
	var opErr *lobby.OpError
	if errors.As(err, &opErr) {
		detail.Op = opErr.Op
		detail.LobbyID = opErr.LobbyID
		detail.Message = opErr.Err.Error()
	}
	if detail.Code == "internal" {
		detail.Message = "internal error"
	}
	writeJSON(w, statusFor(err), ErrorBody{Error: detail})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return lobby.WrapOp("decode_request", "", lobby.ErrInvalidRequest)
	}
	return nil
}
