package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/middleware"
)

// RouterConfig carries the handlers and secrets the router mounts.
type RouterConfig struct {
	Email          *EmailHandler
	Admin          *AdminHandler
	Webhooks       *WebhookHandler
	JWTSecret      string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter builds the service's HTTP surface.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	r.Use(RequestMetrics)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Provider callbacks authenticate with an HMAC signature instead of a bearer token.
	r.Post("/webhooks/email/{provider_name}", cfg.Webhooks.HandleDeliveryEvent)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(middleware.JWTAuthMiddleware(cfg.JWTSecret, cfg.Logger))

		v1.Post("/emails", cfg.Email.HandleSend)
		v1.Get("/admission", cfg.Email.HandleAdmission)
		v1.Get("/delivery-records", cfg.Email.HandleListRecords)
		v1.Get("/delivery-records/{record_id}", cfg.Email.HandleGetRecord)

		v1.Route("/admin/tenants/{tenant_id}/email-config", func(ar chi.Router) {
			ar.Use(middleware.RequirePlatformAdmin(cfg.Logger))
			ar.Post("/", cfg.Admin.HandleProvision)
			ar.Patch("/activation", cfg.Admin.HandleActivation)
			ar.Post("/suspend", cfg.Admin.HandleSuspend)
			ar.Post("/resume", cfg.Admin.HandleResume)
		})
	})

	return r
}
