// Package management provides a lightweight HTTP API for runtime
// inspection and tuning of the running process, bound to a loopback
// address independent of the TLS listener.
//
// Endpoints:
//
//	GET  /status     - uptime, listen/upstream addresses, current rate limits
//	GET  /metrics    - metrics.Snapshot() as JSON
//	POST /ratelimit  - runtime-tune rate-limiter CAPACITY/RATE
package management

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"oblivion/internal/config"
	"oblivion/internal/metrics"
	"oblivion/internal/ratelimit"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	limiter   *ratelimit.Limiter
	token     string // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics
}

// New creates a management server.
func New(cfg *config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		limiter:   limiter,
		token:     cfg.ManagementToken,
		metrics:   m,
	}
	if s.token != "" {
		log.Printf("[MANAGEMENT] Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ratelimit", s.handleRateLimit)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			log.Printf("[MANAGEMENT] Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	capacity, rate := s.limiter.Rates()

	type response struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		ListenAddress   string  `json:"listenAddress"`
		UpstreamAddress string  `json:"upstreamAddress"`
		RateLimitCap    float64 `json:"rateLimitCapacity"`
		RateLimitPerSec float64 `json:"rateLimitPerSecond"`
	}

	resp := response{
		Status:          "running",
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		ListenAddress:   s.cfg.ListenAddress,
		UpstreamAddress: s.cfg.UpstreamAddress,
		RateLimitCap:    capacity,
		RateLimitPerSec: rate,
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleRateLimit runtime-tunes the rate limiter's capacity and refill
// rate. The change is held in memory only and resets to the
// config-file/env values on restart.
func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		Capacity float64 `json:"capacity"`
		Rate     float64 `json:"rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: need {\"capacity\":N,\"rate\":N}", http.StatusBadRequest)
		return
	}
	if req.Capacity <= 0 || req.Rate <= 0 {
		http.Error(w, "capacity and rate must be positive", http.StatusBadRequest)
		return
	}
	s.limiter.SetRates(req.Capacity, req.Rate)
	log.Printf("[MANAGEMENT] Rate limit updated: capacity=%v rate=%v", req.Capacity, req.Rate)
	writeJSON(w, http.StatusOK, map[string]float64{"capacity": req.Capacity, "rate": req.Rate})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MANAGEMENT] JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	log.Printf("[MANAGEMENT] Listening on %s", s.cfg.ManagementAddress)
	srv := &http.Server{
		Addr:              s.cfg.ManagementAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
