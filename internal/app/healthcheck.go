package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/specialistvlad/bdsgo/internal/scheduler"
)

// healthHandler answers liveness checks.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// Status is the /status document.
type Status struct {
	RunID   string            `json:"runId"`
	Tasks   scheduler.Summary `json:"tasks"`
	Threads []ThreadStatus    `json:"threads"`
}

// ThreadStatus is one thread of a Status.
type ThreadStatus struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	ExitCode int    `json:"exitCode"`
}

// statusHandler reports task counts and the thread tree of the current run.
func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	rt := a.Runtime()
	if rt == nil {
		http.Error(w, "no program running", http.StatusServiceUnavailable)
		return
	}
	st := Status{RunID: rt.ID, Tasks: rt.Scheduler().Summary()}
	for _, t := range rt.Threads() {
		st.Threads = append(st.Threads, ThreadStatus{ID: t.ID, State: t.State().String(), ExitCode: t.ExitCode()})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		a.logger.Warn("Writing status failed.", "error", err)
	}
}

// healthCheckServer starts the health and status HTTP server.
func (a *App) healthCheckServer() {
	a.logger.Debug("Configuring health check server.")
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.HandleFunc("/status", a.statusHandler)

	addr := fmt.Sprintf(":%d", a.appCfg.HealthcheckPort)
	srv := &http.Server{Addr: addr, Handler: mux}
	a.mu.Lock()
	a.httpServer = srv
	a.mu.Unlock()

	go func() {
		a.logger.Info("Health check server starting.", "address", fmt.Sprintf("http://localhost%s/health", addr))
		// ListenAndServe returns ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Health check server failed unexpectedly.", "error", err)
		}
	}()
}

func (a *App) closeHealthCheckServer() error {
	a.mu.Lock()
	srv := a.httpServer
	a.httpServer = nil
	a.mu.Unlock()
	if srv == nil {
		a.logger.Debug("Health check server was not running.")
		return nil
	}

	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Error("Health check server shutdown failed.", "error", err)
		return err
	}
	a.logger.Debug("Health check server shut down gracefully.")
	return nil
}
