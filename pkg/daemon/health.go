package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// NewHealthRouter exposes read-only daemon state over HTTP:
//
//	GET /healthz
//	GET /v1/status
//	GET /v1/tasks/{id}
//	GET /v1/cache
func NewHealthRouter(svc *Service) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.statusResponse())
	}).Methods(http.MethodGet)

	api.HandleFunc("/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.lookup(mux.Vars(r)["id"])
		if errors.Is(err, types.ErrTaskNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}).Methods(http.MethodGet)

	api.HandleFunc("/cache", func(w http.ResponseWriter, _ *http.Request) {
		if svc.c.Cache == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cache not configured"})
			return
		}
		writeJSON(w, http.StatusOK, svc.c.Cache.Stats())
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get("daemon").Debug("write response failed", "error", err)
	}
}

// HealthServer serves the health router on a TCP address.
type HealthServer struct {
	srv      *http.Server
	listener net.Listener
}

// NewHealthServer listens on addr.
func NewHealthServer(addr string, svc *Service) (*HealthServer, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &HealthServer{
		srv: &http.Server{
			Handler:           NewHealthRouter(svc),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: l,
	}, nil
}

// Addr is the bound address.
func (h *HealthServer) Addr() string { return h.listener.Addr().String() }

// Serve blocks until Shutdown.
func (h *HealthServer) Serve() error {
	if err := h.srv.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
