package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/capacity"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/deploy"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/health"
	"github.com/truongvando/ezstream-sub005/pkg/lifecycle"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/provision"
	"github.com/truongvando/ezstream-sub005/pkg/reconciler"
	"github.com/truongvando/ezstream-sub005/pkg/scheduler"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
)

// Services are the components the API drives. Any of them may be nil, in
// which case its routes answer 503.
type Services struct {
	Store       storage.Store
	Bus         bus.Bus
	Channels    bus.Channels
	Machine     *lifecycle.Machine
	Scheduler   *scheduler.Scheduler
	Reconciler  *reconciler.Reconciler
	Monitor     *health.Monitor
	Provisioner *provision.Provisioner
	Deployer    *deploy.Deployer
	Ingestor    *capacity.Ingestor
	Events      *events.Broker

	// InitialCeiling is the capacity given to nodes created through the API
	// before their first telemetry sample
	InitialCeiling int
}

// Server is the control plane HTTP API
type Server struct {
	svc    Services
	router *mux.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server and registers its routes
func NewServer(svc Services) *Server {
	if svc.InitialCeiling <= 0 {
		svc.InitialCeiling = config.Default().Capacity.InitialCeiling
	}
	s := &Server{
		svc:    svc,
		router: mux.NewRouter(),
		logger: log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.recoverer, instrument)

	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/telemetry", s.ingestTelemetry).Methods(http.MethodPost)
	v1.HandleFunc("/streams", s.listStreams).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id:[0-9]+}", s.getStream).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id:[0-9]+}", s.putStream).Methods(http.MethodPut)
	v1.HandleFunc("/streams/{id:[0-9]+}/start", s.startStream).Methods(http.MethodPost)
	v1.HandleFunc("/streams/{id:[0-9]+}/stop", s.stopStream).Methods(http.MethodPost)
	v1.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id:[0-9]+}", s.putNode).Methods(http.MethodPut)
	v1.HandleFunc("/nodes/{id:[0-9]+}/reconcile", s.reconcileNode).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{id:[0-9]+}/provision", s.provisionNode).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/provision-failed", s.retryProvisioning).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/rollout", s.rolloutStatus).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/rollout", s.rollout).Methods(http.MethodPost)
	v1.HandleFunc("/reconcile", s.reconcileAll).Methods(http.MethodPost)
	v1.HandleFunc("/health/sweep", s.sweep).Methods(http.MethodGet)
	v1.HandleFunc("/counters/recompute", s.recomputeCounters).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)
}

// Handler returns the router for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event feed is a long-lived response
	}
	metrics.UpdateComponent(metrics.ComponentAPI, true, lis.Addr().String())
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")

	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")
	return s.http.Shutdown(ctx)
}
