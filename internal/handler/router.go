package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/config"
	"github.com/assettrack/scan-relay-go/internal/middleware"
	"github.com/assettrack/scan-relay-go/internal/service"
)

// Rate limit scopes for the anonymous endpoints.
const (
	ScopeConsume = "consume-pairing"
	ScopeScan    = "submit-scan"
	ScopePhoto   = "submit-damage-photo"
	ScopeStatus  = "session-status"
	ScopeDesktop = "desktop"
)

type RouterDeps struct {
	Pairing        PairingAPI
	Sessions       SessionAPI
	Ingest         IngestAPI
	Broker         Subscriber
	Verifier       middleware.TokenVerifier
	Limiter        service.Limiter
	AllowedOrigins []string
	IsProduction   bool
	// Ping reports backend health for /health. Nil means always healthy.
	Ping func(ctx context.Context) error
}

func NewRouter(d RouterDeps) http.Handler {
	pairingHandler := NewPairingHandler(d.Pairing)
	sessionHandler := NewSessionHandler(d.Sessions)
	scanHandler := NewScanHandler(d.Ingest)
	eventsHandler := NewEventsHandler(d.Broker, d.Sessions)

	authMiddleware := middleware.NewAuthMiddleware(d.Verifier)
	corsMiddleware := middleware.NewCORSMiddleware(d.AllowedOrigins)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(d.IsProduction)
	bodyLimit := middleware.NewBodyLimitMiddleware(0)
	photoBodyLimit := middleware.NewBodyLimitMiddleware(config.PhotoBodyLimit)

	limit := func(scope string, perMinute int) func(http.Handler) http.Handler {
		return middleware.NewIPRateLimitMiddleware(d.Limiter, perMinute, time.Minute, scope).Handler
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler(d.Ping))

	r.Route("/v1", func(r chi.Router) {
		// Streams are long-lived and must not inherit the request timeout.
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handler)
			r.Get("/scan-sessions/{id}/stream", eventsHandler.ServeSession)
			r.Get("/pairings/{id}/stream", eventsHandler.ServePairing)
		})

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

			// Desktop endpoints: bearer token required.
			r.Group(func(r chi.Router) {
				r.Use(bodyLimit.Handler)
				r.Use(authMiddleware.Handler)
				r.Use(limit(ScopeDesktop, config.DesktopRateLimitPerMin))
				r.Post("/create-pairing", pairingHandler.CreatePairing)
				r.Post("/pairing-session", pairingHandler.PairingSession)
				r.Post("/set-session-mode", sessionHandler.SetSessionMode)
				r.Post("/end-session", sessionHandler.EndSession)
				r.Post("/scan-events", sessionHandler.ScanEvents)
				r.Post("/delete-temp-photo", scanHandler.DeleteTempPhoto)
			})

			// Phone endpoints: anonymous, limited per client IP.
			r.Group(func(r chi.Router) {
				r.Use(bodyLimit.Handler)
				r.With(limit(ScopeConsume, config.ConsumeRateLimitPerMin)).Post("/consume-pairing", pairingHandler.ConsumePairing)
				r.With(limit(ScopeScan, config.ScanRateLimitPerMin)).Post("/submit-scan", scanHandler.SubmitScan)
				r.With(limit(ScopeStatus, config.StatusRateLimitPerMin), authMiddleware.Optional).Post("/session-status", sessionHandler.SessionStatus)
			})

			r.With(photoBodyLimit.Handler, limit(ScopePhoto, config.PhotoRateLimitPerMin)).
				Post("/submit-damage-photo", scanHandler.SubmitDamagePhoto)
		})
	})

	return r
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
			defer cancel()
			if err := ping(ctx); err != nil {
				log.Warn().Err(err).Msg("health check failed")
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"timestamp": time.Now().UnixMilli(),
		})
	}
}
