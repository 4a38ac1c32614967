package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trymwestin/abodegate/internal/core/device"
	"github.com/trymwestin/abodegate/internal/core/gateway"
	"github.com/trymwestin/abodegate/internal/core/reconcile"
	"github.com/trymwestin/abodegate/internal/core/session"
	"github.com/trymwestin/abodegate/internal/core/state"
)

// Backend is the platform surface the API serves.
type Backend interface {
	Devices() []reconcile.View
	Device(id string) (reconcile.View, bool)
	Connectivity() state.ConnectivitySnapshot
	Authenticated() bool
	SetActuatorTarget(ctx context.Context, id string, target device.StatusInt) (device.ControlAck, error)
}

// Server is the HTTP API server.
type Server struct {
	backend Backend
	corsAll bool
	log     *slog.Logger
	router  chi.Router
}

// NewServer creates a new HTTP API server.
func NewServer(backend Backend, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		backend: backend,
		corsAll: corsAll,
		log:     log,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	if s.corsAll {
		r.Use(s.corsMiddleware)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleGetStatus)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/target", s.handleSetTarget)
			})
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	Authenticated bool                       `json:"authenticated"`
	Push          state.ConnectivitySnapshot `json:"push"`
	Devices       int                        `json:"devices"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Authenticated: s.backend.Authenticated(),
		Push:          s.backend.Connectivity(),
		Devices:       len(s.backend.Devices()),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"devices": s.backend.Devices()})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, ok := s.backend.Device(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

type targetBody struct {
	Target string `json:"target"`
}

func (s *Server) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.backend.Device(id); !ok {
		s.writeError(w, http.StatusNotFound, "unknown device "+id)
		return
	}

	var body targetBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	target, err := device.ParseTarget(body.Target)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ack, err := s.backend.SetActuatorTarget(r.Context(), id, target)
	if err != nil {
		s.log.Error("failed to set door target", "device_id", id, "error", err)
		s.writeError(w, errorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     ack.ID,
		"target": ack.Status.String(),
	})
}

// errorStatus maps a cloud call failure to a response code.
func errorStatus(err error) int {
	var statusErr *gateway.StatusError
	switch {
	case errors.Is(err, session.ErrMissingSession),
		errors.Is(err, session.ErrMissingAPIKey),
		errors.Is(err, session.ErrMissingOAuthToken):
		return http.StatusServiceUnavailable
	case errors.As(err, &statusErr), errors.Is(err, gateway.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
