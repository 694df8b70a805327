// Package api provides the local HTTP API of the rewards daemon: statement,
// ledger, wallet and deposit endpoints, a live account event feed and
// Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/app/account"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// Server is the rewards HTTP API server.
type Server struct {
	account        *account.Account
	events         *EventHub
	logger         *zap.Logger
	metricsEnabled bool
}

// NewServer creates a new API server over acct.
func NewServer(acct *account.Account, logger *zap.Logger) *Server {
	return &Server{account: acct, logger: logger.Named("api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetEventHub sets the live account event hub.
func (s *Server) SetEventHub(h *EventHub) { s.events = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": Version,
		})
	})

	rewards := &RewardsAPI{Account: s.account, Logger: s.logger}
	r.Route("/api", func(r chi.Router) {
		// The event stream is long-lived; everything else gets a timeout.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(time.Minute))
			r.Get("/status", rewards.HandleStatus)
			r.Get("/statement", rewards.HandleStatement)
			r.Get("/transactions", rewards.HandleTransactions)
			r.Get("/wallet", rewards.HandleGetWallet)
			r.Put("/wallet", rewards.HandleSetWallet)
			r.Put("/enabled", rewards.HandleSetEnabled)
			r.Post("/ads/deposit", rewards.HandleDeposit)
			r.Put("/creatives/{id}", rewards.HandleSetCreative)
			r.Post("/captcha/{id}/solved", rewards.HandleCaptchaSolved)
		})
		if s.events != nil {
			r.Get("/events", s.events.HandleEventsSSE)
		}
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}
