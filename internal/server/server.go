package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"autoalign/internal/storage"
	"autoalign/internal/web"
)

const defaultSessionLimit = 100

// Server exposes session history, live progress and metrics over HTTP.
type Server struct {
	addr    string
	store   *storage.Store
	feed    *Feed
	hub     *web.Hub
	metrics http.Handler
	log     *slog.Logger
	server  *http.Server
}

// Option configures optional endpoints.
type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHub serves the live dashboard and the /ws endpoint from hub.
func WithHub(hub *web.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// NewServer creates a server. store and feed may be nil, which disables the matching routes.
func NewServer(addr string, store *storage.Store, feed *Feed, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{addr: addr, store: store, feed: feed, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the configured router. Start runs the hub loop; a caller mounting Handler
// on its own must run the hub too, or /ws answers 503.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.store != nil {
		r.HandleFunc("/sessions", s.handleSessions).Methods("GET")
		r.HandleFunc("/sessions/{id}", s.handleSession).Methods("GET")
		r.HandleFunc("/sessions/{id}/steps", s.handleSteps).Methods("GET")
	}
	if s.feed != nil {
		r.HandleFunc("/stream", s.handleStream).Methods("GET")
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods("GET")
	}
	if s.hub != nil {
		r.Handle("/ws", s.hub).Methods("GET")
		r.Handle("/", web.DashboardHandler()).Methods("GET")
	}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.hub != nil {
		go s.hub.Run(ctx)
		if s.feed != nil {
			go s.forward(ctx)
		}
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// forward relays feed updates to websocket clients.
func (s *Server) forward(ctx context.Context) {
	updates, unsubscribe := s.feed.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(u)
			if err != nil {
				s.log.Warn("encode update", "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentSessions(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.SessionRecord{}
	}
	writeJSON(w, recs)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Session(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Session(id); errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	steps, err := s.store.Steps(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if steps == nil {
		steps = []storage.StepRecord{}
	}
	writeJSON(w, steps)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	updates, unsubscribe := s.feed.Subscribe()
	defer unsubscribe()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			payload, _ := json.Marshal(u)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
