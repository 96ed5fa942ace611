package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mission-sync/mission-sync/internal/application/lobby"
	"github.com/mission-sync/mission-sync/internal/infrastructure/sse"
	"github.com/mission-sync/mission-sync/internal/infrastructure/wschannel"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	lobbySvc       *lobby.Service
	sseHub         *sse.Hub
	wsConfig       wschannel.Config
	adminTokenHash []byte
	logger         zerolog.Logger
}

func NewServer(
	lobbySvc *lobby.Service,
	sseHub *sse.Hub,
	wsConfig wschannel.Config,
	adminTokenHash string,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		lobbySvc: lobbySvc,
		sseHub:   sseHub,
		wsConfig: wsConfig,
		logger:   logger.With().Str("service", "http").Logger(),
	}
	if adminTokenHash != "" {
		s.adminTokenHash = []byte(adminTokenHash)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/ws", s.commandChannel)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Get("/events", s.sseEndpoint)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/connections", func(r chi.Router) {
				r.Get("/", s.listConnections)
				r.Get("/{connectionId}", s.getConnection)
				r.Post("/{connectionId}/mission", s.startMission)
				r.Delete("/{connectionId}/mission", s.endMission)
			})
			r.Post("/missions/cycle", s.cycleMission)
			r.Get("/runs", s.listRuns)
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func contextFromRequest(r *http.Request) context.Context {
	return r.Context()
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": s.lobbySvc.Registry().Count(),
		"mission":     s.lobbySvc.MissionFile(),
	})
}
