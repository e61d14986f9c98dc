package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
)

const DefaultListenAddr = "0.0.0.0:9370"

// leaderChecker mirrors pkg/metrics.leaderChecker: satisfied structurally
// by *store.CoordinatorStore, accepted as an interface so this package
// never imports pkg/store's concrete raft type.
type leaderChecker interface {
	IsLeader() bool
}

// Service serves /health, /ready and /metrics. It holds no state of its
// own beyond what pkg/coordinator and pkg/metrics already track.
type Service struct {
	coord  *coordinator.Coordinator
	leader leaderChecker
	addr   string
	srv    *http.Server
}

func New(coord *coordinator.Coordinator, leader leaderChecker, addr string) *Service {
	if addr == "" {
		addr = DefaultListenAddr
	}
	return &Service{coord: coord, leader: leader, addr: addr}
}

func (s *Service) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen metrics/health api on %s: %w", s.addr, err)
	}
	go s.srv.Serve(ln)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleHealth is a bare liveness probe: if the process can answer, it is
// healthy. Readiness (below) is where actual cluster-state checks live.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy", Timestamp: time.Now()})
}

// handleReady checks store reachability and, on coordinator-mode nodes,
// raft leadership — the conditions a load balancer or operator should
// check before treating this node as fit to serve traffic.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if _, err := coordinator.ListNodeNames(r.Context(), s.coord.Store); err != nil {
		checks["store"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "store not accessible"
	} else {
		checks["store"] = "ok"
	}

	if s.leader != nil {
		if s.leader.IsLeader() {
			checks["raft"] = "leader"
		} else {
			checks["raft"] = "follower"
		}
	} else {
		checks["raft"] = "not applicable"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(readyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
