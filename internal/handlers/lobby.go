// internal/handlers/lobby.go
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/middleware"
	"github.com/jason-s-yu/lobbyd/internal/models"
)

// caller returns the authenticated player id set by RequireAuth.
func caller(r *http.Request) string {
	id, _ := middleware.PlayerIDFromContext(r.Context())
	return id
}

// playerFromBody binds the optional body player to the token subject.
func playerFromBody(r *http.Request, p *models.Player) (models.Player, error) {
	id := caller(r)
	if p == nil {
		return models.Player{ID: id}, nil
	}
	if p.ID != "" && p.ID != id {
		return models.Player{}, lobby.WrapOp("bind_player", "", lobby.ErrNotAuthorized)
	}
	out := p.Clone()
	out.ID = id
	return out, nil
}

// CreateLobbyHandler creates a lobby hosted by the caller.
func (s *Server) CreateLobbyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateLobbyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	creator, err := playerFromBody(r, req.Player)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := s.Service.CreateLobby(r.Context(), req.Name, req.MaxPlayers, req.IsPrivate, creator, req.Attributes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// ListLobbiesHandler answers directory queries:
//
//	GET /lobbies?filter=available_slots:gt:0&filter=attr.mode:eq:dm&order=-created&limit=25&skip=0
func (s *Server) ListLobbiesHandler(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQueryOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.Service.ListLobbies(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.LobbyList{Results: entries})
}

func parseQueryOptions(r *http.Request) (lobby.QueryOptions, error) {
	q := r.URL.Query()
	var opts lobby.QueryOptions

	for _, raw := range q["filter"] {
		f, err := lobby.ParseFilter(raw)
		if err != nil {
			return opts, lobby.WrapOp("list_lobbies", "", err)
		}
		opts.Filters = append(opts.Filters, f)
	}
	for _, raw := range q["order"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			o, err := lobby.ParseOrder(part)
			if err != nil {
				return opts, lobby.WrapOp("list_lobbies", "", err)
			}
			opts.Order = append(opts.Order, o)
		}
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		return opts, err
	}
	if opts.Skip, err = intParam(q.Get("skip")); err != nil {
		return opts, err
	}
	return opts, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, lobby.WrapOp("list_lobbies", "", lobby.ErrInvalidFilter)
	}
	return n, nil
}

// GetLobbyHandler returns the lobby as the caller may see it.
func (s *Server) GetLobbyHandler(w http.ResponseWriter, r *http.Request) {
	l, err := s.Service.GetLobby(r.Context(), chi.URLParam(r, "lobbyID"), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// JoinLobbyHandler adds the caller to a lobby by id.
func (s *Server) JoinLobbyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	player, err := playerFromBody(r, req.Player)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := s.Service.JoinLobbyByID(r.Context(), chi.URLParam(r, "lobbyID"), player)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// JoinByCodeHandler adds the caller to the lobby holding the join code.
func (s *Server) JoinByCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	player, err := playerFromBody(r, req.Player)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := s.Service.JoinLobbyByCode(r.Context(), chi.URLParam(r, "code"), player)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// QuickJoinHandler adds the caller to any open lobby matching the filters.
func (s *Server) QuickJoinHandler(w http.ResponseWriter, r *http.Request) {
	var req models.QuickJoinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	player, err := playerFromBody(r, req.Player)
	if err != nil {
		writeError(w, err)
		return
	}
	filters := make([]lobby.Filter, 0, len(req.Filters))
	for _, raw := range req.Filters {
		f, err := lobby.ParseFilter(raw)
		if err != nil {
			writeError(w, lobby.WrapOp("quick_join", "", err))
			return
		}
		filters = append(filters, f)
	}
	l, err := s.Service.QuickJoinLobby(r.Context(), player, filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// UpdateLobbyHandler patches lobby attributes and/or migrates the host.
func (s *Server) UpdateLobbyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateLobbyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	l, err := s.Service.UpdateLobby(r.Context(), chi.URLParam(r, "lobbyID"), caller(r), req.Attributes, req.HostID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// UpdatePlayerHandler patches the caller's own player attributes.
func (s *Server) UpdatePlayerHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UpdatePlayerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	l, err := s.Service.UpdatePlayer(r.Context(), chi.URLParam(r, "lobbyID"), caller(r), chi.URLParam(r, "playerID"), req.Attributes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// RemovePlayerHandler is both leave (own id) and kick.
func (s *Server) RemovePlayerHandler(w http.ResponseWriter, r *http.Request) {
	err := s.Service.RemovePlayer(r.Context(), chi.URLParam(r, "lobbyID"), caller(r), chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeartbeatHandler keeps the caller's lobby alive.
func (s *Server) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.SendHeartbeat(r.Context(), chi.URLParam(r, "lobbyID"), caller(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteLobbyHandler removes a lobby.
func (s *Server) DeleteLobbyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.DeleteLobby(r.Context(), chi.URLParam(r, "lobbyID"), caller(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
