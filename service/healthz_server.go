package service

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// HealthStatus is the payload served at /healthz.
type HealthStatus struct {
	Status           string `json:"status"`
	SessionID        string `json:"session_id,omitempty"`
	ActiveTestID     int64  `json:"active_test_id,omitempty"`
	PendingTests     int    `json:"pending_tests,omitempty"`
	PendingRefreshes int    `json:"pending_refreshes,omitempty"`
}

// StatusFunc supplies the current health payload on each request.
type StatusFunc func(ctx context.Context) HealthStatus

type HealthzServer struct {
	ctx    context.Context
	server *http.Server
	status StatusFunc
	log    zerolog.Logger
}

func (h *HealthzServer) Start(ctx context.Context, addr string, status StatusFunc, logger zerolog.Logger) error {
	h.status = status
	h.log = logger.With().Str("component", "healthz").Logger()

	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	server := &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	h.server = server
	h.ctx = ctx
	return h.server.ListenAndServe()
}

func (h *HealthzServer) Shutdown() error {
	return h.server.Shutdown(h.ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Str("path", r.URL.Path).Msg("health check request")

	status := HealthStatus{Status: "ok"}
	if h.status != nil {
		status = h.status(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.log.Warn().Err(err).Msg("failed to write health response")
	}
}
