package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fentz26/conduit/internal/models"
	"github.com/fentz26/conduit/internal/store"
)

// Version is reported by /health.
var Version = "dev"

// Server provides the HTTP API for Conduit.
type Server struct {
	service *Service
	addr    string
	router  *mux.Router
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		addr:    addr,
		logger:  logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", s.submitEvent).Methods(http.MethodPost)
	r.HandleFunc("/v1/runs", s.listRuns).Methods(http.MethodGet)
	r.HandleFunc("/v1/runs/{id}", s.getRun).Methods(http.MethodGet)
	r.HandleFunc("/v1/runs/{id}/cancel", s.cancelRun).Methods(http.MethodPost)
	r.HandleFunc("/v1/runs/{id}/pdr", s.getDecisions).Methods(http.MethodGet)
	r.HandleFunc("/v1/pipelines", s.listPipelines).Methods(http.MethodGet)
	r.HandleFunc("/v1/pipelines/{name}", s.getPipeline).Methods(http.MethodGet)
	r.HandleFunc("/v1/groups/{key:.+}", s.getGroup).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting conduit daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// SubmitResponse lists the runs started for an event.
type SubmitResponse struct {
	Runs []RunRef `json:"runs"`
}

func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	refs, err := s.service.SubmitEvent(event)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusAccepted
	if len(refs) == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, SubmitResponse{Runs: refs})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		Pipeline: q.Get("pipeline"),
		Status:   models.RunStatus(q.Get("status")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", ErrInvalidRequest))
			return
		}
		f.Limit = n
	}

	runs, err := s.service.ListRuns(f)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.GetRun(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.service.CancelRun(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) getDecisions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.GetPDR(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Pipelines())
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.Pipeline(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Group(mux.Vars(r)["key"]))
}
