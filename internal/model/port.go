package model

import "time"

// Port administrative and transport states
const (
	PortUp   = "UP"
	PortDown = "DOWN"
)

// Port is an attachment point on a network
type Port struct {
	ID         string    `json:"id"`
	NetworkID  string    `json:"network_id"`
	AdminState string    `json:"admin_state"`
	Status     string    `json:"status"` // last known transport state
	Attachment string    `json:"attachment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PortUpdate holds the mutable port fields, nil means unchanged
type PortUpdate struct {
	AdminState *string `json:"admin_state,omitempty"`
	Status     *string `json:"status,omitempty"`
}

// PortView is the plain-data shape handed to callers of the allocator
type PortView struct {
	ID         string `json:"id"`
	NetworkID  string `json:"network_id"`
	AdminState string `json:"admin_state"`
	Status     string `json:"status"`
	Attachment string `json:"attachment"`
}

// PortAttributes is the free-form metadata attached to a port
type PortAttributes map[string]any

// IsValidPortState reports whether s is UP or DOWN
func IsValidPortState(s string) bool {
	return s == PortUp || s == PortDown
}

// OperationalStatus is DOWN while the port is administratively down and the
// last known transport state otherwise.
func (p *Port) OperationalStatus() string {
	if p.AdminState != PortUp {
		return PortDown
	}
	if p.Status == "" {
		return PortDown
	}
	return p.Status
}

// IsAttached reports whether an interface is plugged into the port
func (p *Port) IsAttached() bool {
	return p.Attachment != ""
}

// View returns the caller-facing view of the port
func (p *Port) View() PortView {
	return PortView{
		ID:         p.ID,
		NetworkID:  p.NetworkID,
		AdminState: p.AdminState,
		Status:     p.OperationalStatus(),
		Attachment: p.Attachment,
	}
}
