// Package httpapi implements the node-facing JSON-over-HTTP surface (spec.md
// §6): registration, heartbeat, and command acknowledgment, plus the
// operational /health, /ready, /metrics endpoints. Grounded on
// Tutu-Engine's chi-based Server (middleware stack, Handler() returning the
// mounted router) generalized from an OpenAI-compatible inference API to
// fleetd's node lifecycle endpoints.
package httpapi

import (
	"time"

	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/nodesvc"
	"github.com/fleetlab/fleetd/pkg/portalloc"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/vmsvc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server is fleetd's HTTP API: the node-facing surface spec.md §6 specifies
// (register/heartbeat/ack) plus a minimal owner-facing VM control surface
// that the spec's component design requires a caller for but leaves to "the
// JSON-over-HTTP transport glue" (§1) to supply.
type Server struct {
	nodes     *nodesvc.Service
	vms       *vmsvc.Service
	ports     *portalloc.Service
	store     store.Store
	heartbeat HeartbeatInfo
	logger    zerolog.Logger
}

// HeartbeatInfo carries the fleet-wide values the register response hands
// back to a node (§6 register response: heartbeatInterval, schedulingConfig
// version, dhtBootstrapPeers), sourced from pkg/config at startup.
type HeartbeatInfo struct {
	Interval            time.Duration
	SchedulingConfigVer string
	DHTBootstrapPeers   []string
}

// New constructs a Server.
func New(nodes *nodesvc.Service, vms *vmsvc.Service, ports *portalloc.Service, st store.Store, hb HeartbeatInfo) *Server {
	return &Server{
		nodes:     nodes,
		vms:       vms,
		ports:     ports,
		store:     st,
		heartbeat: hb,
		logger:    log.WithComponent("httpapi"),
	}
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/nodes", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/{id}/commands/{cmdId}/ack", s.handleAck)
	})

	r.Route("/vms", func(r chi.Router) {
		r.Post("/", s.handleCreateVM)
		r.Get("/{vmId}", s.handleGetVM)
		r.Delete("/{vmId}", s.handleDeleteVM)
		r.Post("/{vmId}/ports", s.handleAllocatePort)
		r.Delete("/{vmId}/ports/{vmPort}", s.handleRemovePort)
	})

	return r
}
