// Package service hosts the small HTTP side surfaces of the daemon: a
// health endpoint and the Prometheus metrics endpoint. Neither is part
// of the request path; the daemon keeps working if either fails to bind.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/perspec/coordinator/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"
)

type Config struct {
	HealthzAddr string
	MetricsAddr string
	Status      StatusFunc
	Log         zerolog.Logger
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Service {
	if cfg.HealthzAddr == "" {
		cfg.HealthzAddr = net.JoinHostPort(HealthzHost, HealthzPort)
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = net.JoinHostPort(MetricsHost, MetricsPort)
	}
	return &Service{
		Healthz: &HealthzServer{},
		Metrics: &MetricsServer{},
		cfg:     cfg,
		log:     cfg.Log.With().Str("component", "service").Logger(),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.log.Info().Msg("service starting")

	go func() {
		s.log.Info().Str("addr", s.cfg.HealthzAddr).Msg("starting healthz server")
		if err := s.Healthz.Start(ctx, s.cfg.HealthzAddr, s.cfg.Status, s.cfg.Log); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("error starting healthz server")
			metrics.RecordErrorDetails("error starting healthz server", err)
		}
	}()

	go func() {
		s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("starting metrics server")
		if err := s.Metrics.Start(ctx, s.cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("error starting metrics server")
			metrics.RecordErrorDetails("error starting metrics server", err)
		}
	}()

	s.log.Info().Msg("service started")
}

func (s *Service) Shutdown() {
	s.log.Info().Msg("service shutting down")

	_ = s.Healthz.Shutdown()
	_ = s.Metrics.Shutdown()

	s.log.Info().Msg("service stopped")
}
