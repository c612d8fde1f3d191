package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/martinsuchenak/vnetd/internal/allocator"
	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/martinsuchenak/vnetd/internal/worker"
)

// Reconciler runs one consistency pass between the store and the pool
type Reconciler interface {
	Run(ctx context.Context) (*worker.Report, error)
}

// Handler handles HTTP requests
type Handler struct {
	alloc      allocator.Service
	reconciler Reconciler
}

// NewHandler creates a new API handler. reconciler may be nil, in which case
// the reconcile endpoint answers 501.
func NewHandler(alloc allocator.Service, reconciler Reconciler) *Handler {
	return &Handler{alloc: alloc, reconciler: reconciler}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Networks
	mux.HandleFunc("GET /api/{tenant}/networks", h.listNetworks)
	mux.HandleFunc("POST /api/{tenant}/networks", h.createNetwork)
	mux.HandleFunc("GET /api/{tenant}/networks/{network}", h.getNetwork)
	mux.HandleFunc("PUT /api/{tenant}/networks/{network}", h.updateNetwork)
	mux.HandleFunc("DELETE /api/{tenant}/networks/{network}", h.deleteNetwork)
	mux.HandleFunc("GET /api/{tenant}/networks/{network}/link", h.getNetworkLink)

	// Ports
	mux.HandleFunc("GET /api/{tenant}/networks/{network}/ports", h.listPorts)
	mux.HandleFunc("POST /api/{tenant}/networks/{network}/ports", h.createPort)
	mux.HandleFunc("GET /api/{tenant}/networks/{network}/ports/{port}", h.getPort)
	mux.HandleFunc("PUT /api/{tenant}/networks/{network}/ports/{port}", h.updatePort)
	mux.HandleFunc("DELETE /api/{tenant}/networks/{network}/ports/{port}", h.deletePort)
	mux.HandleFunc("PUT /api/{tenant}/networks/{network}/ports/{port}/attachment", h.plugInterface)
	mux.HandleFunc("DELETE /api/{tenant}/networks/{network}/ports/{port}/attachment", h.unplugInterface)
	mux.HandleFunc("GET /api/{tenant}/networks/{network}/ports/{port}/binding", h.getPortBinding)
	mux.HandleFunc("GET /api/{tenant}/networks/{network}/ports/{port}/attributes", h.getPortAttributes)
	mux.HandleFunc("PUT /api/{tenant}/networks/{network}/ports/{port}/attributes", h.setPortAttributes)

	// Transport pool
	mux.HandleFunc("GET /api/pool", h.getPoolStats)
	mux.HandleFunc("POST /api/pool/reconcile", h.reconcile)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// internalError logs the error and writes a generic 500 response
func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error("Internal Server Error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "Internal Server Error")
}

// statusFor maps allocator error kinds to HTTP status codes; zero means the
// error is not a client error
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrAlreadyAttached),
		errors.Is(err, model.ErrPortInUse),
		errors.Is(err, model.ErrNetworkInUse):
		return http.StatusConflict
	case errors.Is(err, model.ErrResourceExhausted):
		return http.StatusInsufficientStorage
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	}
	return 0
}

// allocError writes the response for an error returned by the allocator
func (h *Handler) allocError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == 0 {
		h.internalError(w, err)
		return
	}

	log.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)

	var attached *model.AlreadyAttachedError
	if errors.As(err, &attached) {
		h.writeJSON(w, status, map[string]string{
			"error":      err.Error(),
			"attachment": attached.Attachment,
		})
		return
	}
	h.writeError(w, status, err.Error())
}

// decode reads a JSON request body into v
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		log.Warn("Invalid request body", "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
