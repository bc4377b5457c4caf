// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/lobbyd/internal/middleware"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/sirupsen/logrus"
)

// Subprotocol is the websocket subprotocol of the lobby event stream.
const Subprotocol = "lobby"

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	wsPingTimeout  = 15 * time.Second
)

// LobbyWSHandler streams the lobby's events to a member as JSON text frames.
// The stream is one-way; the server closes it with a normal closure once the
// lobby is deleted or expires.
func (s *Server) LobbyWSHandler(w http.ResponseWriter, r *http.Request) {
	lobbyID := chi.URLParam(r, "lobbyID")
	playerID := caller(r)

	// resolve before upgrading so failures are plain HTTP errors
	events, cancel, err := s.Service.Watch(r.Context(), lobbyID, playerID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.AllowedOrigins,
	})
	if err != nil {
		s.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != Subprotocol {
		c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
		return
	}

	middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)

	// the client never sends data frames; CloseRead handles control frames
	// and cancels ctx when the peer goes away
	ctx := c.CloseRead(r.Context())
	err = writePump(ctx, c, events, s.Logger.WithFields(logrus.Fields{"lobby": lobbyID, "player": playerID}))
	middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, err)
}

// writePump forwards events until the stream ends. A closed events channel
// means the lobby is gone.
func writePump(ctx context.Context, c *websocket.Conn, events <-chan models.LobbyEvent, logger logrus.FieldLogger) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "lobby closed")
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warnf("failed to marshal lobby event: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
