package api

import (
	"log/slog"
	"net/http"
	"time"

	"secret.drop/config"
	"secret.drop/internal/admin"
	"secret.drop/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(svc *service.Service, gate *admin.Gate, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	h := NewHandler(svc, gate, cfg, logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(CORS(CORSConfig{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader},
		MaxAge:         86400,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		revealLimits := []func(http.Handler) http.Handler{JSONOnly}
		if cfg.RateLimit.Enabled {
			r.Use(LimitByIP(cfg.RateLimit.RequestsPerMin, time.Minute))
			revealLimits = append(revealLimits,
				LimitByIP(cfg.RateLimit.RevealPerMin, time.Minute),
				LimitBySecret(cfg.RateLimit.RevealPerSecretPerMin, time.Minute),
			)
		}

		r.Route("/secrets", func(r chi.Router) {
			r.With(middleware.AllowContentType("application/json", "multipart/form-data")).Post("/", h.CreateSecret)
			r.With(revealLimits...).Post("/{id}/reveal", h.RevealSecret)
		})

		r.Get("/stats", h.Stats)

		r.Route("/admin", func(r chi.Router) {
			r.With(JSONOnly).Post("/login", h.AdminLogin)
			r.Post("/logout", h.AdminLogout)
			r.With(RequireAdmin(gate, cfg.Admin.CookieName, logger)).Get("/secrets", h.ListSecrets)
		})
	})

	return r
}
