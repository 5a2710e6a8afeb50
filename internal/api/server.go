// Package api exposes ingestion, tracking, analytics and administration
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/validation"
	"notification-dispatch/internal/notification/analytics"
	"notification-dispatch/internal/notification/ingest"
	"notification-dispatch/internal/notification/webhook"
)

// TenantHeader carries the calling tenant on routes that address an entry
// by id only.
const TenantHeader = "X-Tenant-ID"

// Check is a named readiness probe.
type Check func(ctx context.Context) error

type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

type Server struct {
	notifications *ingest.Service
	webhooks      *webhook.Engine
	analytics     *analytics.Aggregator
	checks        map[string]Check
	schemas       *validation.SchemaValidator
	cfg           Config
	logger        logger.Logger
}

func NewServer(cfg Config, svc *ingest.Service, hooks *webhook.Engine, agg *analytics.Aggregator, log logger.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		notifications: svc,
		webhooks:      hooks,
		analytics:     agg,
		checks:        map[string]Check{},
		schemas:       newSchemas(),
		cfg:           cfg,
		logger:        log.WithFields(map[string]interface{}{"component": "api"}),
	}
}

// AddCheck registers a dependency probed by /ready.
func (s *Server) AddCheck(name string, c Check) {
	s.checks[name] = c
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Route("/notifications", func(r chi.Router) {
			r.Use(requireTenant)
			r.Post("/", s.submitNotification)
			r.Get("/{id}", s.getNotification)
			r.Delete("/{id}", s.cancelNotification)
			r.Get("/{id}/events", s.notificationEvents)
			r.Post("/{id}/engagement", s.recordEngagement)
		})

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/dead-letters", s.deadLetters)
			r.Get("/analytics", s.analyticsReport)
			r.Post("/analytics/recompute", s.recomputeAnalytics)
			r.Get("/rate-limits", s.rateLimits)
			r.Get("/events/search", s.searchEvents)
			r.Post("/events", s.publishEvent)

			r.Get("/config", s.getTenantConfig)
			r.Put("/config", s.putTenantConfig)
			r.Get("/templates", s.listTemplates)
			r.Put("/templates", s.upsertTemplate)
			r.Put("/preferences", s.upsertPreference)
			r.Put("/holds", s.upsertHold)
			r.Put("/addresses", s.setAddress)

			r.Route("/webhooks", func(r chi.Router) {
				r.Post("/", s.registerWebhook)
				r.Get("/", s.listWebhooks)
				r.Delete("/{webhookID}", s.deleteWebhook)
				r.Post("/{webhookID}/enable", s.enableWebhook)
				r.Get("/{webhookID}/deliveries", s.webhookDeliveries)
			})
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped", nil)
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug("request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"durationMs": time.Since(start).Milliseconds(),
			"requestId":  middleware.GetReqID(r.Context()),
			"tenantId":   r.Header.Get(TenantHeader),
		})
	})
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(TenantHeader) == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
				Code:    apperrors.ErrCodeValidation,
				Message: "Request validation failed",
				Details: TenantHeader + " header is required",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{"ready": status == http.StatusOK, "checks": results})
}
