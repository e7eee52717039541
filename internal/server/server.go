package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"reid/internal/errs"
	"reid/internal/evaluate"
	"reid/internal/layout"
	"reid/internal/metrics"
	"reid/internal/pipeline"
	"reid/internal/storage"
)

// ResultsLoader reads the aggregated results table of a target.
type ResultsLoader interface {
	LoadResults(targetID string) (*evaluate.Table, error)
}

// Server exposes the run ledger, results tables, metrics and the live event
// stream over HTTP. It never starts work.
type Server struct {
	addr     string
	resolver *layout.Resolver
	store    *storage.Store
	runner   *pipeline.Runner
	results  ResultsLoader
	metrics  *metrics.Recorder
	log      *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
	server   *http.Server
	done     <-chan struct{}
}

// NewServer wires the read-only API. Any dependency may be nil; its routes
// then answer 503. Without a resolver cost function filters match display
// names only.
func NewServer(addr string, resolver *layout.Resolver, store *storage.Store, runner *pipeline.Runner, results ResultsLoader, recorder *metrics.Recorder, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		resolver: resolver,
		store:    store,
		runner:   runner,
		results:  results,
		metrics:  recorder,
		log:      log,
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// startBackground runs the websocket hub and forwards runner events to it.
func (s *Server) startBackground(ctx context.Context) {
	s.done = ctx.Done()
	go s.hub.run(ctx)
	if s.runner == nil {
		return
	}
	events, unsubscribe := s.runner.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					s.log.Warn("encode event", "error", err)
					continue
				}
				select {
				case s.hub.broadcast <- payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/api/runs/{id}/outcomes", s.handleOutcomes).Methods("GET")
	r.HandleFunc("/api/targets/{target}/results", s.handleResults).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run ledger disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run ledger disabled", http.StatusServiceUnavailable)
		return
	}
	rec, err := s.store.Run(mux.Vars(r)["id"])
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run ledger disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.store.Run(id); errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	outs, err := s.store.Outcomes(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, outs)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		http.Error(w, "results unavailable", http.StatusServiceUnavailable)
		return
	}
	table, err := s.results.LoadResults(mux.Vars(r)["target"])
	if errors.Is(err, errs.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()
	costFunction := q.Get("cost_function")
	if costFunction != "" && s.resolver != nil {
		cf, err := s.resolver.ParseCostFunction(costFunction)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		costFunction = cf.Name
	}
	rows := table.Query(q.Get("subject"), costFunction, q.Get("metric"))
	if rows == nil {
		rows = []evaluate.Row{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
