// Package api serves the read-only status surface: workflow listings
// and documents, gate verdicts, the live leaderboard, Prometheus
// metrics and a websocket feed of pipeline events. Runs are driven
// from the CLI; the server never mutates workflow state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/aggregator"
	"github.com/eaforge/stress-backend/internal/config"
	"github.com/eaforge/stress-backend/internal/events"
	"github.com/eaforge/stress-backend/internal/gates"
	"github.com/eaforge/stress-backend/internal/store"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eastress_api_requests_total",
			Help: "HTTP requests served, labeled by route and status code.",
		},
		[]string{"route", "code"},
	)

	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eastress_ws_clients",
			Help: "Websocket clients currently connected.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, wsClients)
}

// Server exposes workflow state over HTTP and websockets.
type Server struct {
	logger *zap.Logger
	cfg    *config.Config
	store  *store.Store
	boards *aggregator.Aggregator
	hub    *hub
	router *mux.Router
	httpd  *http.Server
}

// NewServer builds the server and starts its event fan-out. bus may be
// nil, in which case /ws clients connect but receive no events.
func NewServer(logger *zap.Logger, cfg *config.Config, st *store.Store, bus *events.Bus) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		logger: logger.Named("api"),
		cfg:    cfg,
		store:  st,
		boards: aggregator.New(logger, cfg, st, nil),
		hub:    newHub(logger.Named("ws"), bus),
	}
	s.router = s.routes()
	go s.hub.run()
	return s
}

// Router returns the route tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.countRequests)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}/gates", s.handleGetGates).Methods(http.MethodGet)
	v1.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.handleUpgrade)
	return r
}

// Start serves HTTP on the configured address and blocks until
// Shutdown or a listener error.
func (s *Server) Start() error {
	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpd = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
	}
	s.logger.Info("status API listening",
		zap.String("addr", s.httpd.Addr),
		zap.Strings("allowed_origins", origins))

	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown disconnects websocket clients and drains in-flight HTTP
// requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	if s.httpd == nil {
		return nil
	}
	if err := s.httpd.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       time.Now().UTC(),
		"runs_dir":   s.store.Root(),
		"ws_clients": s.hub.clientCount(),
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("list workflows: %v", err))
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := sums[:0]
		for _, sum := range sums {
			if string(sum.Status) == status {
				filtered = append(filtered, sum)
			}
		}
		sums = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workflows": sums,
		"count":     len(sums),
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.store.Exists(id) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	state, err := s.store.Load(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("load workflow: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetGates(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.store.Exists(id) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	state, err := s.store.Load(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("load workflow: %v", err))
		return
	}
	var ready *bool
	if len(state.Gates) > 0 {
		v := gates.GoLiveReady(state.Gates)
		ready = &v
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id":   state.WorkflowID,
		"gates":         state.Gates,
		"go_live_ready": ready,
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	doc, err := s.boards.LeaderboardData()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("build leaderboard: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
