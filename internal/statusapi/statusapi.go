// Package statusapi exposes a read-only HTTP surface over a Worker's pool
// state and log ring.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nostrworker/nostrworker/internal/pool"
)

// StateProvider is the subset of Worker this package depends on.
type StateProvider interface {
	PoolState() pool.PoolState
}

// Server serves /status and /status/logs for a Worker.
type Server struct {
	worker    StateProvider
	router    *chi.Mux
	startedAt time.Time
}

// New builds the status router.
func New(worker StateProvider) *Server {
	s := &Server{worker: worker, startedAt: time.Now()}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Get("/status", s.handleStatus)
	r.Get("/status/relays", s.handleRelays)
	r.Get("/status/subscriptions", s.handleSubscriptions)
	r.Get("/status/logs", s.handleLogs)
	return r
}

// ServeHTTP lets *Server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type statusResponse struct {
	UptimeSeconds int64                      `json:"uptime_seconds"`
	RelayCount    int                        `json:"relay_count"`
	OpenRelays    int                        `json:"open_relays"`
	Subscriptions int                        `json:"subscriptions"`
	Relays        map[string]pool.RelayState `json:"relays"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.worker.PoolState()
	open := 0
	for _, relay := range state.Relays {
		if relay.Open {
			open++
		}
	}
	jsonResponse(w, statusResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		RelayCount:    len(state.Relays),
		OpenRelays:    open,
		Subscriptions: len(state.Subscriptions),
		Relays:        state.Relays,
	}, http.StatusOK)
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.worker.PoolState().Relays, http.StatusOK)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.worker.PoolState().Subscriptions, http.StatusOK)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.worker.PoolState().Logs, http.StatusOK)
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
