// internal/handlers/auth.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/lobbyd/internal/auth"
	"github.com/jason-s-yu/lobbyd/internal/middleware"
	"github.com/jason-s-yu/lobbyd/internal/models"
)

// SignInRequest optionally seeds the attributes of the issued player.
type SignInRequest struct {
	Attributes models.Attributes `json:"attributes,omitempty"`
}

// SignInResponse is returned by POST /auth/anonymous.
type SignInResponse struct {
	PlayerID   string            `json:"playerId"`
	Token      string            `json:"token"`
	Attributes models.Attributes `json:"attributes,omitempty"`
}

// AnonymousSignInHandler issues a fresh player id and a token for it. The
// token is also set as the auth_token cookie for browser clients.
func (s *Server) AnonymousSignInHandler(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	player, err := auth.Anonymous{Attributes: req.Attributes}.SignIn(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := auth.CreateJWT(player.ID)
	if err != nil {
		s.Logger.WithError(err).Error("failed to sign player token")
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.Logger.WithField("player", player.ID).Info("anonymous sign-in")
	writeJSON(w, http.StatusOK, SignInResponse{PlayerID: player.ID, Token: token, Attributes: player.Attributes})
}
