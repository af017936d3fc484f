// ABOUTME: Read-only HTTP status API over the live run: health, progress, state, failures.
// ABOUTME: Intended for polling by external monitors; it never mutates the run.
package harvest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusServer exposes the orchestrator's progress over HTTP. All endpoints
// are GET and read-only; control stays with the process that launched the run.
type StatusServer struct {
	store    *StateStore
	progress *ProgressLogger
	sup      *Supervisor
	srv      *http.Server
}

// NewStatusServer builds the server; sup and progress may be nil, in which
// case the corresponding fields are omitted from responses.
func NewStatusServer(addr string, store *StateStore, progress *ProgressLogger, sup *Supervisor) *StatusServer {
	s := &StatusServer{store: store, progress: progress, sup: sup}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/state", s.handleState)
	r.Get("/failed", s.handleFailed)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine. Listener failures after
// startup are reported through errCh; errCh may be nil.
func (s *StatusServer) Start(errCh chan<- error) {
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed && errCh != nil {
			errCh <- err
		}
	}()
}

// Shutdown stops the listener, waiting up to the context deadline for
// in-flight requests.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *StatusServer) Handler() http.Handler { return s.srv.Handler }

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ok": true}
	if s.sup != nil {
		servers := map[string]string{}
		for _, name := range s.sup.Servers() {
			servers[name] = string(s.sup.Status(name))
		}
		resp["servers"] = servers
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "unknown"})
		return
	}
	writeJSON(w, http.StatusOK, s.progress.State())
}

func (s *StatusServer) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *StatusServer) handleFailed(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, snap.Failed)
}

// writeJSON sends v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
