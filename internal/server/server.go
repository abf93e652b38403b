// Package server wires the hub behind an HTTP listener with health,
// stats, and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacobkenney/emberchat/internal/config"
	"github.com/jacobkenney/emberchat/internal/hub"
	"github.com/jacobkenney/emberchat/internal/metrics"
	"github.com/jacobkenney/emberchat/internal/registry"
)

// Server owns the hub components and the HTTP listener.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	conns    *hub.ConnSet
	router   *hub.Router
	limiter  *limiterPool
	promReg  *prometheus.Registry
	http     *http.Server
	started  time.Time
}

// New builds a fully wired server from the configuration.
func New(cfg *config.Config) *Server {
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	reg := registry.New()
	conns := hub.NewConnSet(cfg.Chat.SendQueueSize, m)
	router := hub.NewRouter(reg, conns, cfg.Chat.DefaultDeleteMinutes, m)
	handler := hub.NewHandler(router, conns, cfg.Chat.MaxPayloadBytes)

	s := &Server{
		cfg:     cfg,
		reg:     reg,
		conns:   conns,
		router:  router,
		limiter: newLimiterPool(cfg.Server.UpgradeRate, cfg.Server.UpgradeBurst),
		promReg: promReg,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.Handle("/ws", s.throttleUpgrades(handler))

	s.http = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}
	return s
}

// Handler returns the root HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully:
// in-flight HTTP requests finish and every WebSocket is closed with a
// going-away status.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.conns.Shutdown()
	s.router.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// throttleUpgrades rejects upgrade attempts from hosts exceeding the
// configured rate with 429 before any socket work happens.
func (s *Server) throttleUpgrades(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Stats is the /api/stats response body.
type Stats struct {
	UptimeSeconds float64  `json:"uptime_seconds"`
	Connections   int      `json:"connections"`
	RosterSize    int      `json:"roster_size"`
	Roster        []string `json:"roster"`
	DeleteMinutes int      `json:"delete_minutes"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		UptimeSeconds: time.Since(s.started).Seconds(),
		Connections:   s.conns.Count(),
		RosterSize:    s.reg.Len(),
		Roster:        s.reg.Snapshot(),
		DeleteMinutes: s.router.DeleteMinutes(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
