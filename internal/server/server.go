// Package server exposes the AlphaScore engine over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/alphascore/internal/engine"
	"github.com/sells-group/alphascore/internal/model"
	"github.com/sells-group/alphascore/internal/store"
)

// Calculator is the part of the engine the HTTP surface drives.
type Calculator interface {
	Calculate(ctx context.Context, signalID string, trigger model.Trigger) engine.Result
	Recalculate(ctx context.Context, signalID, verificationID string) engine.Result
	ProcessBatch(ctx context.Context, signalIDs []string) []engine.Result
}

// Config configures the HTTP surface.
type Config struct {
	// APIKey guards POST /alphascore/calculate when set.
	APIKey string
	// WebhookSecret must match the x-webhook-secret header. Empty rejects
	// every webhook call.
	WebhookSecret string
	// FailOpen answers failed calculations with FallbackScore instead of an
	// error status.
	FailOpen      bool
	FallbackScore float64
	CORSOrigins   []string

	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	calc       Calculator
	components store.ComponentLog
	ping       func(ctx context.Context) error
	cfg        Config
}

// New creates a Server. ping backs the health check and may be nil.
func New(calc Calculator, components store.ComponentLog, ping func(ctx context.Context) error, cfg Config) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{calc: calc, components: components, ping: ping, cfg: cfg}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Webhook-Secret"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	if s.cfg.Gatherer != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/alphascore", func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}
		r.With(s.requireAPIKey).Post("/calculate", s.handleCalculate)
		r.With(s.requireWebhookSecret).Put("/calculate", s.handleWebhook)
		r.With(s.requireAPIKey).Get("/signals/{signalID}/components", s.handleListComponents)
		r.With(s.requireAPIKey).Get("/signals/{signalID}/components/latest", s.handleLatestComponents)
	})

	return r
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !secureEqual(token, s.cfg.APIKey) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireWebhookSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("x-webhook-secret")
		if s.cfg.WebhookSecret == "" || !secureEqual(got, s.cfg.WebhookSecret) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
