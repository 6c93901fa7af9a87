package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/orchestrator/internal/client"
	"github.com/dreamware/orchestrator/internal/metrics"
	"github.com/dreamware/orchestrator/internal/pool"
)

const requestIDHeader = "X-Request-ID"

type server struct {
	engine   *pool.Engine
	log      *zap.Logger
	gatherer prometheus.Gatherer
}

func newServer(engine *pool.Engine, log *zap.Logger, gatherer prometheus.Gatherer) *server {
	return &server{engine: engine, log: log, gatherer: gatherer}
}

// routes wires the API. "GET /{workloadId}" is the catch-all, so the fixed
// paths win over a project named "status", "health" or "metrics".
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /destroy", s.handleDestroy)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	mux.HandleFunc("GET /{workloadId}", s.handleAllocate)
	return s.withRequestLog(mux)
}

func (s *server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	workload := r.PathValue("workloadId")

	a, err := s.engine.Allocate(r.Context(), workload)
	switch {
	case errors.Is(err, pool.ErrNoCapacity):
		http.Error(w, "No idle machine found", http.StatusBadRequest)
		return
	case errors.Is(err, pool.ErrMissingParameter):
		http.Error(w, "Project ID is required", http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("allocation failed", zap.String("workload", workload), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, client.AllocateResponse{IP: a.Address, ProjectID: a.Workload})
}

func (s *server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req client.DestroyRequest
	// A malformed body is treated like a missing machineId.
	_ = json.NewDecoder(r.Body).Decode(&req)

	_, err := s.engine.Destroy(r.Context(), req.MachineID)
	switch {
	case errors.Is(err, pool.ErrMissingParameter):
		http.Error(w, "Machine ID is required", http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, "Failed to destroy machine", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, client.DestroyResponse{
		Success: true,
		Message: fmt.Sprintf("Machine %s destroyed", req.MachineID),
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()

	resp := client.StatusResponse{
		TotalMachines: snap.Total,
		IdleMachines:  snap.Idle,
		UsedMachines:  snap.Used,
		Machines:      make([]client.MachineStatus, 0, len(snap.Machines)),
	}
	for _, m := range snap.Machines {
		resp.Machines = append(resp.Machines, client.MachineStatus{
			IP:              m.Address,
			IsUsed:          m.Allocated,
			AssignedProject: m.Workload,
			InstanceID:      m.InstanceID,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// withRequestLog tags every request with an ID, reusing the caller's
// X-Request-ID when present, and writes one access log line.
func (s *server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
