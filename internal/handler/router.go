package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bwchat/realtime-dm/internal/middleware"
	"github.com/bwchat/realtime-dm/internal/session"
	"github.com/bwchat/realtime-dm/pkg/logger"
)

// RouterConfig configures the HTTP surface.
type RouterConfig struct {
	JWTSecret         string
	TokenTTL          time.Duration
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	AuthRateLimit     int
	Heartbeat         time.Duration
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig, sessions *session.Manager, backend Pinger, log *logger.Logger) http.Handler {
	healthHandler := NewHealthHandler(backend)
	authHandler := NewAuthHandler(sessions, cfg.JWTSecret, cfg.TokenTTL, log)
	conversationHandler := NewConversationHandler(sessions, log)
	deviceHandler := NewDeviceHandler(sessions, log)
	streamHandler := NewStreamHandler(sessions, cfg.Heartbeat, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.AuthRateLimit, cfg.RateLimitWindow))
			r.Post("/auth/signup", authHandler.Signup)
			r.Post("/auth/signin", authHandler.Signin)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Post("/auth/signout", authHandler.Signout)
			r.Get("/me", authHandler.Me)
			r.Patch("/me", authHandler.UpdateMe)
			r.Get("/events", streamHandler.Events)
			r.Get("/directory", conversationHandler.Directory)

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", conversationHandler.Open)
				r.Get("/current", conversationHandler.Current)
				r.Delete("/current", conversationHandler.Close)
				r.Post("/current/messages", conversationHandler.Send)
				r.Post("/current/older", conversationHandler.Older)
			})

			r.Post("/presence/activity", deviceHandler.Activity)
			r.Post("/presence/visibility", deviceHandler.Visibility)

			r.Put("/notifications/permission", deviceHandler.Permission)
			r.Post("/notifications/opt-in", deviceHandler.OptIn)
			r.Post("/notifications/{routingKey}/open", conversationHandler.OpenRoute)
		})
	})

	return r
}
