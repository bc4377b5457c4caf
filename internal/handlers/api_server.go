// internal/handlers/api_server.go
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jason-s-yu/lobbyd/internal/metrics"
	"github.com/jason-s-yu/lobbyd/internal/middleware"
	"github.com/jason-s-yu/lobbyd/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Server exposes the coordination service over HTTP.
type Server struct {
	Service *service.Service
	Logger  logrus.FieldLogger

	// optional
	Limiter        *middleware.RateLimiter
	Metrics        metrics.Recorder
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	if s.Metrics == nil {
		s.Metrics = metrics.Nop{}
	}
	origins := s.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/ping"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.LogMiddleware(s.Logger, s.Metrics.RecordHTTPStatus))

	if s.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.Gatherer))
	}

	limit := func(next http.Handler) http.Handler { return next }
	if s.Limiter != nil {
		limit = s.Limiter.Middleware()
	}

	r.With(limit).Post("/auth/anonymous", s.AnonymousSignInHandler)

	r.Route("/lobbies", func(r chi.Router) {
		r.Use(middleware.RequireAuth(s.Logger))
		r.Use(limit)

		r.Post("/", s.CreateLobbyHandler)
		r.Get("/", s.ListLobbiesHandler)
		r.Post("/quickjoin", s.QuickJoinHandler)
		r.Post("/code/{code}/join", s.JoinByCodeHandler)

		r.Route("/{lobbyID}", func(r chi.Router) {
			r.Get("/", s.GetLobbyHandler)
			r.Patch("/", s.UpdateLobbyHandler)
			r.Delete("/", s.DeleteLobbyHandler)
			r.Post("/join", s.JoinLobbyHandler)
			r.Post("/heartbeat", s.HeartbeatHandler)
			r.Patch("/players/{playerID}", s.UpdatePlayerHandler)
			r.Delete("/players/{playerID}", s.RemovePlayerHandler)
			r.Get("/ws", s.LobbyWSHandler)
		})
	})
	return r
}
