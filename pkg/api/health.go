package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/camctl/cam/pkg/metrics"
	"github.com/camctl/cam/pkg/storage"
)

// HealthServer provides the HTTP health check and metrics endpoints
type HealthServer struct {
	store      storage.Store
	hasRuntime bool
	version    string
	mux        *http.ServeMux
}

// NewHealthServer creates a health check HTTP server. hasRuntime reports
// whether a container runtime was connected at startup; daemon-only mode is
// still ready, the flag only shows up in the checks map.
func NewHealthServer(store storage.Store, hasRuntime bool, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		store:      store,
		hasRuntime: hasRuntime,
		version:    version,
		mux:        mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint
// This checks if the service is ready to accept traffic
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	// Storage: a cheap read proves the database is reachable
	if hs.store != nil {
		if _, err := hs.store.ListAgentDefinitions(); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			message = "Storage not accessible"
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
		message = "Store not initialized"
	}

	// Runtime: informational only; without it the scheduler runs in
	// daemon-only mode and container tasks stay queued
	if hs.hasRuntime {
		checks["runtime"] = "connected"
	} else {
		checks["runtime"] = "daemon-only mode"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
