package lobby

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store, directory and coordination service.
// Callers match them with errors.Is; they survive OpError wrapping and the
// HTTP round trip (see Code and FromCode).
var (
	ErrNotFound         = errors.New("lobby not found")
	ErrFull             = errors.New("lobby is full")
	ErrDuplicateMember  = errors.New("player is already a member")
	ErrMemberNotFound   = errors.New("player is not a member")
	ErrNotHost          = errors.New("caller is not the lobby host")
	ErrNotAuthorized    = errors.New("caller may not perform this action")
	ErrInvalidCode      = errors.New("invalid lobby code")
	ErrNoAvailableLobby = errors.New("no lobby with free slots")
	ErrCapacity         = errors.New("invalid max players")
	ErrInvalidFilter    = errors.New("invalid query filter")
	ErrInvalidPlayer    = errors.New("invalid player")
	ErrInvalidRequest   = errors.New("invalid request")
)

var codes = []struct {
	code string
	err  error
}{
	{"not_found", ErrNotFound},
	{"full", ErrFull},
	{"duplicate_member", ErrDuplicateMember},
	{"member_not_found", ErrMemberNotFound},
	{"not_host", ErrNotHost},
	{"not_authorized", ErrNotAuthorized},
	{"invalid_code", ErrInvalidCode},
	{"no_available_lobby", ErrNoAvailableLobby},
	{"capacity", ErrCapacity},
	{"invalid_filter", ErrInvalidFilter},
	{"invalid_player", ErrInvalidPlayer},
	{"invalid_request", ErrInvalidRequest},
}

// Code returns the stable wire code for err, or "internal" if err is not one of ours.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode maps a wire code back to its sentinel. Unknown codes return nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// OpError carries the operation name and lobby id alongside the cause.
type OpError struct {
	Op      string
	LobbyID string
	Err     error
}

func (e *OpError) Error() string {
	if e.LobbyID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s lobby=%s: %v", e.Op, e.LobbyID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// WrapOp returns nil for a nil err, otherwise an *OpError.
func WrapOp(op, lobbyID string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, LobbyID: lobbyID, Err: err}
}
