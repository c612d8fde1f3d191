package api

import (
	"net/http"

	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/model"
)

// listPorts handles GET /api/{tenant}/networks/{network}/ports
func (h *Handler) listPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := h.alloc.ListPorts(r.Context(), r.PathValue("tenant"), r.PathValue("network"))
	if err != nil {
		h.allocError(w, r, err)
		return
	}

	log.Debug("Listed ports", "network_id", r.PathValue("network"), "count", len(ports))
	h.writeJSON(w, http.StatusOK, ports)
}

// createPort handles POST /api/{tenant}/networks/{network}/ports. An empty
// body creates an administratively UP port.
func (h *Handler) createPort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminState string `json:"admin_state"`
	}
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	port, err := h.alloc.CreatePort(r.Context(), r.PathValue("tenant"), r.PathValue("network"), req.AdminState)
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, port)
}

// getPort handles GET /api/{tenant}/networks/{network}/ports/{port}
func (h *Handler) getPort(w http.ResponseWriter, r *http.Request) {
	port, err := h.alloc.GetPort(r.Context(), r.PathValue("tenant"), r.PathValue("network"), r.PathValue("port"))
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, port)
}

// updatePort handles PUT /api/{tenant}/networks/{network}/ports/{port}
func (h *Handler) updatePort(w http.ResponseWriter, r *http.Request) {
	var update model.PortUpdate
	if !h.decode(w, r, &update) {
		return
	}

	port, err := h.alloc.UpdatePort(r.Context(), r.PathValue("tenant"), r.PathValue("network"), r.PathValue("port"), update)
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, port)
}

// deletePort handles DELETE /api/{tenant}/networks/{network}/ports/{port}
func (h *Handler) deletePort(w http.ResponseWriter, r *http.Request) {
	port, err := h.alloc.DeletePort(r.Context(), r.PathValue("tenant"), r.PathValue("network"), r.PathValue("port"))
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, port)
}

// plugInterface handles PUT /api/{tenant}/networks/{network}/ports/{port}/attachment
func (h *Handler) plugInterface(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	port, err := h.alloc.PlugInterface(r.Context(), r.PathValue("tenant"), r.PathValue("network"), r.PathValue("port"), req.ID)
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, port)
}

// unplugInterface handles DELETE /api/{tenant}/networks/{network}/ports/{port}/attachment
func (h *Handler) unplugInterface(w http.ResponseWriter, r *http.Request) {
	port, err := h.alloc.UnplugInterface(r.Context(), r.PathValue("tenant"), r.PathValue("network"), r.PathValue("port"))
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, port)
}

// getPortBinding handles GET /api/{tenant}/networks/{network}/ports/{port}/binding
func (h *Handler) getPortBinding(w http.ResponseWriter, r *http.Request) {
	binding, err := h.alloc.GetPortBinding(r.Context(), r.PathValue("tenant"), r.PathValue("network"), r.PathValue("port"))
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, binding)
}

// getPortAttributes handles GET /api/{tenant}/networks/{network}/ports/{port}/attributes
func (h *Handler) getPortAttributes(w http.ResponseWriter, r *http.Request) {
	attrs, err := h.alloc.GetPortAttributes(r.Context(), r.PathValue("tenant"), r.PathValue("network"), r.PathValue("port"))
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, attrs)
}

// setPortAttributes handles PUT /api/{tenant}/networks/{network}/ports/{port}/attributes
func (h *Handler) setPortAttributes(w http.ResponseWriter, r *http.Request) {
	var attrs model.PortAttributes
	if !h.decode(w, r, &attrs) {
		return
	}

	attrs, err := h.alloc.SetPortAttributes(r.Context(), r.PathValue("tenant"), r.PathValue("network"), r.PathValue("port"), attrs)
	if err != nil {
		h.allocError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, attrs)
}
