package model

import "time"

// Network operational states
const (
	NetworkDown   = "DOWN"
	NetworkActive = "ACTIVE"
	NetworkBuild  = "BUILD"
	NetworkError  = "ERROR"
)

// Network is a tenant-owned logical broadcast domain grouping ports
type Network struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NetworkUpdate holds the mutable network fields, nil means unchanged
type NetworkUpdate struct {
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty"`
}

// NetworkView is the plain-data shape handed to callers of the allocator
type NetworkView struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Status string         `json:"status"`
	Link   *TransportLink `json:"link,omitempty"`
	Ports  []PortView     `json:"ports,omitempty"`
}

// IsValidNetworkStatus reports whether s is a known network status
func IsValidNetworkStatus(s string) bool {
	switch s {
	case NetworkDown, NetworkActive, NetworkBuild, NetworkError:
		return true
	}
	return false
}

// View returns the caller-facing view of the network
func (n *Network) View() NetworkView {
	return NetworkView{
		ID:     n.ID,
		Name:   n.Name,
		Status: n.Status,
	}
}
