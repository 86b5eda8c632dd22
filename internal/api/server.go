// Package api is the HTTP gateway over the LIMS core: auth, samples,
// storage, sagas, audit queries, health, metrics, and a live event stream.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixlabs/lims/internal/adapters"
	"github.com/helixlabs/lims/internal/audit"
	"github.com/helixlabs/lims/internal/auth"
	"github.com/helixlabs/lims/internal/clock"
	"github.com/helixlabs/lims/internal/events"
	"github.com/helixlabs/lims/internal/idgen"
	"github.com/helixlabs/lims/internal/saga"
	"github.com/helixlabs/lims/internal/sample"
	"github.com/helixlabs/lims/internal/storage"
)

// Options carries the wired services the gateway fronts.
type Options struct {
	Auth    *auth.Service
	Samples *sample.Service
	Storage *storage.Service
	Sagas   *saga.Coordinator
	Audit   audit.Store
	Bus     *events.Bus
	Prober  *adapters.Prober

	Clock clock.Clock
	IDs   idgen.Generator
	// Registry serves /metrics; nil disables the endpoint.
	Registry *prometheus.Registry
	// RateLimit is requests per minute per caller; 0 uses the default.
	RateLimit int
	Logger    *log.Logger
}

// Server is the REST/JSON gateway.
type Server struct {
	auth    *auth.Service
	samples *sample.Service
	storage *storage.Service
	sagas   *saga.Coordinator
	audit   audit.Store
	bus     *events.Bus
	prober  *adapters.Prober

	clock    clock.Clock
	ids      idgen.Generator
	registry *prometheus.Registry
	limiter  *RateLimiter
	logger   *log.Logger

	httpServer *http.Server
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.IDs == nil {
		opts.IDs = idgen.UUIDGenerator{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}
	return &Server{
		auth:     opts.Auth,
		samples:  opts.Samples,
		storage:  opts.Storage,
		sagas:    opts.Sagas,
		audit:    opts.Audit,
		bus:      opts.Bus,
		prober:   opts.Prober,
		clock:    opts.Clock,
		ids:      opts.IDs,
		registry: opts.Registry,
		limiter:  NewRateLimiter(opts.RateLimit, time.Minute, opts.Clock),
		logger:   opts.Logger,
	}
}

// Router builds the full route table. Exposed for httptest.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Use(s.withRequestID)
	r.Use(s.withLogging)
	r.Use(s.withRecovery)
	r.Use(s.limiter.Middleware)

	// Auth
	r.HandleFunc("/api/v1/auth/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/api/v1/auth/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/api/v1/auth/refresh", s.handleRefresh).Methods("POST")
	r.HandleFunc("/api/v1/auth/validate", s.handleValidate).Methods("GET")
	r.HandleFunc("/api/v1/auth/logout", s.requireAuth(s.handleLogout)).Methods("POST")
	r.HandleFunc("/api/v1/auth/forgot-password", s.handleForgotPassword).Methods("POST")
	r.HandleFunc("/api/v1/auth/reset-password", s.handleResetPassword).Methods("POST")
	r.HandleFunc("/api/v1/auth/verify-email", s.handleVerifyEmail).Methods("POST")

	// Samples
	r.HandleFunc("/api/v1/samples", s.requireAuth(s.handleCreateSample)).Methods("POST")
	r.HandleFunc("/api/v1/samples", s.requireAuth(s.handleListSamples)).Methods("GET")
	r.HandleFunc("/api/v1/samples/barcode/{barcode}", s.requireAuth(s.handleSampleByBarcode)).Methods("GET")
	r.HandleFunc("/api/v1/samples/{id}", s.requireAuth(s.handleGetSample)).Methods("GET")
	r.HandleFunc("/api/v1/samples/{id}", s.requireAuth(s.handleUpdateSample)).Methods("PATCH")
	r.HandleFunc("/api/v1/samples/{id}", s.requireAuth(s.handleDeleteSample)).Methods("DELETE")
	r.HandleFunc("/api/v1/samples/{id}/status", s.requireAuth(s.handleSampleStatus)).Methods("PATCH", "PUT")
	r.HandleFunc("/api/v1/samples/{id}/move", s.requireAuth(s.handleMoveSample)).Methods("POST")
	r.HandleFunc("/api/v1/samples/{id}/validate", s.requireAuth(s.handleValidateSample)).Methods("POST")

	// Storage
	r.HandleFunc("/api/v1/locations", s.requireRole(auth.RoleLabManager, s.handleCreateLocation)).Methods("POST")
	r.HandleFunc("/api/v1/locations/{id}", s.requireAuth(s.handleGetLocation)).Methods("GET")
	r.HandleFunc("/api/v1/locations/{id}/status", s.requireRole(auth.RoleLabManager, s.handleLocationStatus)).Methods("PATCH")
	r.HandleFunc("/api/v1/locations/{id}/capacity", s.requireAuth(s.handleLocationCapacity)).Methods("GET")
	r.HandleFunc("/api/v1/locations/{id}/contents", s.requireAuth(s.handleLocationContents)).Methods("GET")
	r.HandleFunc("/api/v1/storage/allocate", s.requireAuth(s.handleAllocate)).Methods("POST")
	r.HandleFunc("/api/v1/storage/release", s.requireAuth(s.handleRelease)).Methods("POST")
	r.HandleFunc("/api/v1/storage/report", s.requireAuth(s.handleCapacityReport)).Methods("GET")

	// Sagas
	r.HandleFunc("/api/v1/sagas/process-sample", s.requireAuth(s.handleProcessSample)).Methods("POST")
	r.HandleFunc("/api/v1/sagas/{id}", s.requireAuth(s.handleGetSaga)).Methods("GET")
	r.HandleFunc("/api/v1/sagas/{id}/cancel", s.requireAuth(s.handleCancelSaga)).Methods("POST")

	// Audit
	r.HandleFunc("/api/v1/audit/{entity_type}/{entity_id}", s.requireAuth(s.handleAuditHistory)).Methods("GET")
	r.HandleFunc("/api/v1/audit/{entity_type}/{entity_id}/custody", s.requireAuth(s.handleCustody)).Methods("GET")
	r.HandleFunc("/api/v1/audit/{entity_type}/{entity_id}/verify", s.requireAuth(s.handleVerifyChain)).Methods("GET")

	// Operational
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	if s.bus != nil {
		r.HandleFunc("/api/v1/events/stream", s.requireAuth(s.handleEventStream)).Methods("GET")
	}

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(port int) error {
	s.limiter.StartCleanup()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("gateway listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"time":   s.clock.Now().UTC(),
	}
	status := http.StatusOK
	if s.prober != nil {
		checks := s.prober.Check(r.Context())
		resp["checks"] = checks
		for _, res := range checks {
			if res.Status != "ok" {
				resp["status"] = "degraded"
				status = http.StatusServiceUnavailable
				break
			}
		}
	}
	writeJSON(w, status, resp)
}
