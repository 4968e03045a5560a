package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"votegroups/internal/middleware"
	"votegroups/internal/service"
	"votegroups/pkg/errors"
	"votegroups/pkg/logger"
)

// RouterConfig lists what the HTTP surface is built from
type RouterConfig struct {
	Auth           service.AuthService
	VoteGroups     *service.VoteGroupService
	Cache          *service.CacheService
	Presence       service.PresenceService
	Health         *HealthHandler
	AllowedOrigins []string
	Logger         *logger.Logger
}

// NewRouter configures and returns the HTTP router
func NewRouter(cfg RouterConfig) *chi.Mux {
	log := cfg.Logger
	r := chi.NewRouter()

	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowedOrigins = cfg.AllowedOrigins

	r.Use(middleware.CORS(corsConfig, log))
	r.Use(middleware.RequestID(log))
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Compress(5))
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Check)
	}

	voteGroupHandler := NewVoteGroupHandler(cfg.VoteGroups, cfg.Cache, cfg.Presence, log)
	presenceHandler := NewPresenceHandler(cfg.Presence, cfg.VoteGroups, log)
	identityHandler := NewIdentityHandler(cfg.VoteGroups, log)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth, log))

		identityHandler.RegisterRoutes(r)
		r.Route("/meetings/{meetingID}", func(r chi.Router) {
			voteGroupHandler.RegisterRoutes(r)
			presenceHandler.RegisterRoutes(r)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, errors.NewNotFoundError("Endpoint not found"), middleware.RequestIDFromContext(r.Context()))
	})

	return r
}
