// Package api exposes the sync service over HTTP: health, manual run
// triggering, run and error history, and a websocket stream of live
// progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skubridge/skubridge/internal/daemon"
	"github.com/skubridge/skubridge/internal/store"
	"github.com/skubridge/skubridge/internal/syncer"
)

// Server is the HTTP surface of the sync service.
type Server struct {
	addr   string
	mode   string
	store  *store.Store
	daemon *daemon.Daemon
	hub    *Hub
	logger *log.Logger

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// Config wires a server.
type Config struct {
	Addr   string
	Mode   string
	Store  *store.Store
	Daemon *daemon.Daemon
	Hub    *Hub
	Logger *log.Logger
}

// NewServer builds the router. Start actually binds the port.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	s := &Server{
		addr:   cfg.Addr,
		mode:   cfg.Mode,
		store:  cfg.Store,
		daemon: cfg.Daemon,
		hub:    cfg.Hub,
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Route("/sync", func(r chi.Router) {
		r.Post("/run", s.handleRunSync)
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleRuns)
		r.Get("/errors", s.handleErrors)
	})
	if s.hub != nil {
		r.Get("/ws", s.hub.handleWS)
	}

	s.server = &http.Server{
		Handler:     r,
		ReadTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("API listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"mode":       s.mode,
		"ws_clients": clients,
	})
}

// handleRunSync triggers a manual run and blocks until it finishes. A run
// already in flight yields 409; the caller can watch it over the websocket
// instead.
func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	run, err := s.daemon.RunOnce(r.Context(), syncer.TriggerManual)
	if errors.Is(err, daemon.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	if err != nil {
		status := http.StatusBadGateway
		body := map[string]any{"error": err.Error()}
		if run != nil {
			body["run_id"] = run.ID
			body["status"] = run.Status
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, runJSON(run))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.SyncStatus(r.Context(), s.mode)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	body := map[string]any{
		"mode":          st.Mode,
		"product_count": st.ProductCount,
		"cursor": map[string]any{
			"last_write_ts": st.Cursor.LastWriteTS,
			"last_id":       st.Cursor.LastID,
		},
	}
	if st.LastRun != nil {
		body["last_run"] = runJSON(st.LastRun)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Mode:   s.mode,
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	runs, err := s.store.Runs(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	filter := store.ErrorFilter{
		Mode:   s.mode,
		SKU:    r.URL.Query().Get("sku"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if runID := queryInt(r, "run_id", 0); runID > 0 {
		filter.RunID = int64(runID)
	}

	errs, err := s.store.Errors(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	out := make([]map[string]any, 0, len(errs))
	for _, e := range errs {
		entry := map[string]any{
			"id":         e.ID,
			"run_id":     e.RunID,
			"stage":      e.Stage,
			"message":    e.Message,
			"created_at": e.CreatedAt,
		}
		if e.SKU != nil {
			entry["sku"] = *e.SKU
		}
		if e.FulfilProductID != nil {
			entry["fulfil_product_id"] = *e.FulfilProductID
		}
		if e.PayloadSnippet != nil {
			entry["payload_snippet"] = *e.PayloadSnippet
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": out})
}

func runJSON(run *store.Run) map[string]any {
	body := map[string]any{
		"run_id":     run.ID,
		"mode":       run.Mode,
		"trigger":    run.Trigger,
		"status":     run.Status,
		"started_at": run.StartedAt,
		"polled":     run.Counters.Polled,
		"upserts":    run.Counters.Upserts,
		"pushes":     run.Counters.Pushes,
		"skipped":    run.Counters.Skipped,
		"errors":     run.Counters.Errors,
	}
	if run.FinishedAt != nil {
		body["finished_at"] = *run.FinishedAt
	}
	if run.Message != nil {
		body["message"] = *run.Message
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
