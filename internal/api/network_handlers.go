package api

import (
	"net/http"

	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/model"
)

// listNetworks handles GET /api/{tenant}/networks
func (h *Handler) listNetworks(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")

	networks, err := h.alloc.ListNetworks(r.Context(), tenant)
	if err != nil {
		h.allocError(w, r, err)
		return
	}

	log.Debug("Listed networks", "tenant", tenant, "count", len(networks))
	h.writeJSON(w, http.StatusOK, networks)
}

// createNetwork handles POST /api/{tenant}/networks
func (h *Handler) createNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	network, err := h.alloc.CreateNetwork(r.Context(), r.PathValue("tenant"), req.Name)
	if err != nil {
		h.allocError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, network)
}

// getNetwork handles GET /api/{tenant}/networks/{network}
func (h *Handler) getNetwork(w http.ResponseWriter, r *http.Request) {
	network, err := h.alloc.GetNetwork(r.Context(), r.PathValue("tenant"), r.PathValue("network"))
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, network)
}

// getNetworkLink handles GET /api/{tenant}/networks/{network}/link
func (h *Handler) getNetworkLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.alloc.GetNetworkLink(r.Context(), r.PathValue("tenant"), r.PathValue("network"))
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, link)
}

// updateNetwork handles PUT /api/{tenant}/networks/{network}
func (h *Handler) updateNetwork(w http.ResponseWriter, r *http.Request) {
	var update model.NetworkUpdate
	if !h.decode(w, r, &update) {
		return
	}

	network, err := h.alloc.UpdateNetwork(r.Context(), r.PathValue("tenant"), r.PathValue("network"), update)
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, network)
}

// deleteNetwork handles DELETE /api/{tenant}/networks/{network}
func (h *Handler) deleteNetwork(w http.ResponseWriter, r *http.Request) {
	network, err := h.alloc.DeleteNetwork(r.Context(), r.PathValue("tenant"), r.PathValue("network"))
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, network)
}
