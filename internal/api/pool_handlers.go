package api

import (
	"net/http"

	"github.com/martinsuchenak/vnetd/internal/log"
)

// getPoolStats handles GET /api/pool
func (h *Handler) getPoolStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.alloc.PoolStats())
}

// reconcile handles POST /api/pool/reconcile
func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		h.writeError(w, http.StatusNotImplemented, "reconciler not configured")
		return
	}

	report, err := h.reconciler.Run(r.Context())
	if err != nil {
		log.Error("Reconcile request failed", "error", err)
		h.internalError(w, err)
		return
	}

	log.Info("Reconcile requested", "released_links", len(report.ReleasedLinks), "released_bindings", len(report.ReleasedBindings))
	h.writeJSON(w, http.StatusOK, report)
}
