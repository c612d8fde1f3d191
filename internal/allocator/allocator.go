package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/martinsuchenak/vnetd/internal/storage"
	"github.com/martinsuchenak/vnetd/internal/transport"
)

const maxNameLength = 255

// Transport is the part of the transport pool the allocator drives
type Transport interface {
	AllocateLink(ctx context.Context, networkID string) (*model.TransportLink, error)
	ReleaseLink(ctx context.Context, networkID string) error
	GetLink(networkID string) (*model.TransportLink, error)
	AllocateBinding(ctx context.Context, networkID, portID string) (*model.PortBinding, error)
	ReleaseBinding(ctx context.Context, networkID, portID string) error
	GetBinding(networkID, portID string) (*model.PortBinding, error)
	Stats() transport.Stats
}

// Allocator is the tenant-facing API over networks and ports. It keeps the
// store and the transport pool consistent: a network always has a link and a
// port always has a binding, or the create fails and leaves nothing behind.
type Allocator struct {
	*Guard
	store storage.Storage
	pool  Transport

	// attachMu serializes attachment check-then-set sequences
	attachMu sync.Mutex
}

// New creates an allocator over store and pool
func New(store storage.Storage, pool Transport) *Allocator {
	return &Allocator{
		Guard: NewGuard(store),
		store: store,
		pool:  pool,
	}
}

// rollback runs a compensating action even if the caller's context has been
// cancelled, joining its failure to the original error
func rollback(ctx context.Context, cause error, what string, undo func(context.Context) error) error {
	if err := undo(context.WithoutCancel(ctx)); err != nil {
		log.Error("Rollback failed", "action", what, "cause", cause, "error", err)
		return errors.Join(cause, fmt.Errorf("rollback %s: %w", what, err))
	}
	return cause
}

func validateName(name string) error {
	if name == "" {
		return model.Validationf("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return model.Validationf("name exceeds %d characters", maxNameLength)
	}
	return nil
}

func validateAttributes(attrs model.PortAttributes) error {
	if _, err := json.Marshal(attrs); err != nil {
		return model.Validationf("attributes are not JSON serializable: %v", err)
	}
	return nil
}

func (a *Allocator) networkView(network *model.Network) model.NetworkView {
	view := network.View()
	if link, err := a.pool.GetLink(network.ID); err == nil {
		view.Link = link
	}
	return view
}

// ListNetworks returns the tenant's networks in creation order
func (a *Allocator) ListNetworks(ctx context.Context, tenantID string) ([]model.NetworkView, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("empty tenant: %w", model.ErrNotAuthorized)
	}

	networks, err := a.store.ListNetworks(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	views := make([]model.NetworkView, 0, len(networks))
	for i := range networks {
		views = append(views, a.networkView(&networks[i]))
	}
	return views, nil
}

// CreateNetwork creates a DOWN network and leases its transport link. If the
// link cannot be leased the network record is removed again.
func (a *Allocator) CreateNetwork(ctx context.Context, tenantID, name string) (*model.NetworkView, error) {
	if tenantID == "" {
		return nil, model.Validationf("tenant is required")
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	network := &model.Network{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Name:     name,
		Status:   model.NetworkDown,
	}
	if err := a.store.CreateNetwork(ctx, network); err != nil {
		return nil, fmt.Errorf("creating network: %w", err)
	}

	link, err := a.pool.AllocateLink(ctx, network.ID)
	if err != nil {
		log.Warn("Transport link allocation failed, removing network", "tenant", tenantID, "network_id", network.ID, "error", err)
		return nil, rollback(ctx, fmt.Errorf("allocating transport link: %w", err), "delete network", func(ctx context.Context) error {
			return a.store.DeleteNetwork(ctx, network.ID)
		})
	}

	log.Info("Network created", "tenant", tenantID, "network_id", network.ID, "name", name, "cidr", link.CIDR)
	view := network.View()
	view.Link = link
	return &view, nil
}

// GetNetwork returns the network with its transport link and ports
func (a *Allocator) GetNetwork(ctx context.Context, tenantID, networkID string) (*model.NetworkView, error) {
	network, err := a.ValidateNetworkOwnership(ctx, tenantID, networkID)
	if err != nil {
		return nil, err
	}

	ports, err := a.store.ListPorts(ctx, networkID)
	if err != nil {
		return nil, err
	}

	view := a.networkView(network)
	view.Ports = make([]model.PortView, 0, len(ports))
	for i := range ports {
		view.Ports = append(view.Ports, ports[i].View())
	}
	return &view, nil
}

// GetNetworkLink returns the transport link leased to the network
func (a *Allocator) GetNetworkLink(ctx context.Context, tenantID, networkID string) (*model.TransportLink, error) {
	if _, err := a.ValidateNetworkOwnership(ctx, tenantID, networkID); err != nil {
		return nil, err
	}
	return a.pool.GetLink(networkID)
}

// UpdateNetwork changes the name and/or status of a network
func (a *Allocator) UpdateNetwork(ctx context.Context, tenantID, networkID string, update model.NetworkUpdate) (*model.NetworkView, error) {
	if _, err := a.ValidateNetworkOwnership(ctx, tenantID, networkID); err != nil {
		return nil, err
	}

	if update.Name != nil {
		if err := validateName(*update.Name); err != nil {
			return nil, err
		}
	}
	if update.Status != nil && !model.IsValidNetworkStatus(*update.Status) {
		return nil, model.Validationf("invalid network status %q", *update.Status)
	}

	network, err := a.store.UpdateNetwork(ctx, networkID, update)
	if err != nil {
		return nil, fmt.Errorf("updating network: %w", err)
	}

	log.Info("Network updated", "tenant", tenantID, "network_id", networkID)
	view := a.networkView(network)
	return &view, nil
}

// DeleteNetwork removes every port of the network, releases its transport
// link and deletes the record. A network with an attached port is
// ErrNetworkInUse and nothing is removed.
func (a *Allocator) DeleteNetwork(ctx context.Context, tenantID, networkID string) (*model.NetworkView, error) {
	network, err := a.ValidateNetworkOwnership(ctx, tenantID, networkID)
	if err != nil {
		return nil, err
	}

	a.attachMu.Lock()
	defer a.attachMu.Unlock()

	ports, err := a.store.ListPorts(ctx, networkID)
	if err != nil {
		return nil, err
	}
	for i := range ports {
		if ports[i].IsAttached() {
			log.Warn("Network delete refused, port attached", "tenant", tenantID, "network_id", networkID, "port_id", ports[i].ID)
			return nil, fmt.Errorf("network %s: port %s has attachment %s: %w",
				networkID, ports[i].ID, ports[i].Attachment, model.ErrNetworkInUse)
		}
	}

	view := a.networkView(network)

	for i := range ports {
		if err := a.deletePort(ctx, &ports[i]); err != nil {
			return nil, err
		}
	}

	if err := a.pool.ReleaseLink(ctx, networkID); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("releasing transport link: %w", err)
		}
		log.Warn("Network had no transport link", "network_id", networkID)
	}

	if err := a.store.DeleteNetwork(ctx, networkID); err != nil {
		return nil, fmt.Errorf("deleting network: %w", err)
	}

	log.Info("Network deleted", "tenant", tenantID, "network_id", networkID, "ports", len(ports))
	return &view, nil
}

// ListPorts returns the network's ports in creation order
func (a *Allocator) ListPorts(ctx context.Context, tenantID, networkID string) ([]model.PortView, error) {
	if _, err := a.ValidateNetworkOwnership(ctx, tenantID, networkID); err != nil {
		return nil, err
	}

	ports, err := a.store.ListPorts(ctx, networkID)
	if err != nil {
		return nil, err
	}

	views := make([]model.PortView, 0, len(ports))
	for i := range ports {
		views = append(views, ports[i].View())
	}
	return views, nil
}

// GetPort returns a port of the network
func (a *Allocator) GetPort(ctx context.Context, tenantID, networkID, portID string) (*model.PortView, error) {
	_, port, err := a.ValidatePortOwnership(ctx, tenantID, networkID, portID)
	if err != nil {
		return nil, err
	}
	view := port.View()
	return &view, nil
}

// CreatePort adds a port with transport status DOWN and leases its binding.
// An empty adminState means UP. If no binding can be leased the port record
// is removed again.
func (a *Allocator) CreatePort(ctx context.Context, tenantID, networkID, adminState string) (*model.PortView, error) {
	if adminState == "" {
		adminState = model.PortUp
	}
	if !model.IsValidPortState(adminState) {
		return nil, model.Validationf("invalid admin state %q", adminState)
	}

	if _, err := a.ValidateNetworkOwnership(ctx, tenantID, networkID); err != nil {
		return nil, err
	}

	port := &model.Port{
		ID:         uuid.New().String(),
		NetworkID:  networkID,
		AdminState: adminState,
		Status:     model.PortDown,
	}
	if err := a.store.CreatePort(ctx, port); err != nil {
		return nil, fmt.Errorf("creating port: %w", err)
	}

	binding, err := a.pool.AllocateBinding(ctx, networkID, port.ID)
	if err != nil {
		log.Warn("Port binding allocation failed, removing port", "tenant", tenantID, "network_id", networkID, "port_id", port.ID, "error", err)
		return nil, rollback(ctx, fmt.Errorf("allocating port binding: %w", err), "delete port", func(ctx context.Context) error {
			return a.store.DeletePort(ctx, networkID, port.ID)
		})
	}

	log.Info("Port created", "tenant", tenantID, "network_id", networkID, "port_id", port.ID,
		"src", fmt.Sprintf("%s:%d", binding.SrcAddress, binding.SrcPort),
		"dst", fmt.Sprintf("%s:%d", binding.DstAddress, binding.DstPort))
	view := port.View()
	return &view, nil
}

// UpdatePort changes the admin state and/or transport status of a port
func (a *Allocator) UpdatePort(ctx context.Context, tenantID, networkID, portID string, update model.PortUpdate) (*model.PortView, error) {
	if _, _, err := a.ValidatePortOwnership(ctx, tenantID, networkID, portID); err != nil {
		return nil, err
	}

	if update.AdminState != nil && !model.IsValidPortState(*update.AdminState) {
		return nil, model.Validationf("invalid admin state %q", *update.AdminState)
	}
	if update.Status != nil && !model.IsValidPortState(*update.Status) {
		return nil, model.Validationf("invalid port status %q", *update.Status)
	}

	port, err := a.store.UpdatePort(ctx, networkID, portID, update)
	if err != nil {
		return nil, fmt.Errorf("updating port: %w", err)
	}

	log.Info("Port updated", "tenant", tenantID, "network_id", networkID, "port_id", portID)
	view := port.View()
	return &view, nil
}

// DeletePort releases the port's binding and deletes it. An attached port is
// ErrPortInUse.
func (a *Allocator) DeletePort(ctx context.Context, tenantID, networkID, portID string) (*model.PortView, error) {
	if _, _, err := a.ValidatePortOwnership(ctx, tenantID, networkID, portID); err != nil {
		return nil, err
	}

	a.attachMu.Lock()
	defer a.attachMu.Unlock()

	// Re-read under the lock so a concurrent plug is seen
	port, err := a.store.GetPort(ctx, networkID, portID)
	if err != nil {
		return nil, err
	}
	if port.IsAttached() {
		log.Warn("Port delete refused, port attached", "tenant", tenantID, "network_id", networkID, "port_id", portID)
		return nil, fmt.Errorf("port %s has attachment %s: %w", portID, port.Attachment, model.ErrPortInUse)
	}

	view := port.View()
	if err := a.deletePort(ctx, port); err != nil {
		return nil, err
	}

	log.Info("Port deleted", "tenant", tenantID, "network_id", networkID, "port_id", portID)
	return &view, nil
}

func (a *Allocator) deletePort(ctx context.Context, port *model.Port) error {
	if err := a.pool.ReleaseBinding(ctx, port.NetworkID, port.ID); err != nil {
		return fmt.Errorf("releasing port binding: %w", err)
	}
	if err := a.store.DeletePort(ctx, port.NetworkID, port.ID); err != nil {
		return fmt.Errorf("deleting port: %w", err)
	}
	return nil
}

// PlugInterface attaches an interface to the port. A port that already
// carries an attachment is an *model.AlreadyAttachedError.
func (a *Allocator) PlugInterface(ctx context.Context, tenantID, networkID, portID, attachment string) (*model.PortView, error) {
	if attachment == "" {
		return nil, model.Validationf("attachment is required")
	}

	if _, _, err := a.ValidatePortOwnership(ctx, tenantID, networkID, portID); err != nil {
		return nil, err
	}

	a.attachMu.Lock()
	defer a.attachMu.Unlock()

	port, err := a.store.GetPort(ctx, networkID, portID)
	if err != nil {
		return nil, err
	}
	if port.IsAttached() {
		log.Warn("Plug refused, port already attached", "network_id", networkID, "port_id", portID,
			"attachment", port.Attachment, "requested", attachment)
		return nil, &model.AlreadyAttachedError{
			NetworkID:  networkID,
			PortID:     portID,
			Requested:  attachment,
			Attachment: port.Attachment,
		}
	}

	port, err = a.store.SetPortAttachment(ctx, networkID, portID, attachment)
	if err != nil {
		return nil, fmt.Errorf("setting attachment: %w", err)
	}

	log.Info("Interface plugged", "tenant", tenantID, "network_id", networkID, "port_id", portID, "attachment", attachment)
	view := port.View()
	return &view, nil
}

// UnplugInterface clears the port's attachment and sets its transport status
// to DOWN. Unplugging a detached port succeeds.
func (a *Allocator) UnplugInterface(ctx context.Context, tenantID, networkID, portID string) (*model.PortView, error) {
	if _, _, err := a.ValidatePortOwnership(ctx, tenantID, networkID, portID); err != nil {
		return nil, err
	}

	a.attachMu.Lock()
	defer a.attachMu.Unlock()

	down := model.PortDown
	if _, err := a.store.UpdatePort(ctx, networkID, portID, model.PortUpdate{Status: &down}); err != nil {
		return nil, fmt.Errorf("updating port status: %w", err)
	}
	port, err := a.store.SetPortAttachment(ctx, networkID, portID, "")
	if err != nil {
		return nil, fmt.Errorf("clearing attachment: %w", err)
	}

	log.Info("Interface unplugged", "tenant", tenantID, "network_id", networkID, "port_id", portID)
	view := port.View()
	return &view, nil
}

// GetPortBinding returns the UDP four-tuple carrying the port's traffic
func (a *Allocator) GetPortBinding(ctx context.Context, tenantID, networkID, portID string) (*model.PortBinding, error) {
	if _, _, err := a.ValidatePortOwnership(ctx, tenantID, networkID, portID); err != nil {
		return nil, err
	}
	return a.pool.GetBinding(networkID, portID)
}

// GetPortAttributes returns the port's attributes
func (a *Allocator) GetPortAttributes(ctx context.Context, tenantID, networkID, portID string) (model.PortAttributes, error) {
	if _, _, err := a.ValidatePortOwnership(ctx, tenantID, networkID, portID); err != nil {
		return nil, err
	}
	return a.store.GetPortAttributes(ctx, portID)
}

// SetPortAttributes replaces the port's attributes as a whole
func (a *Allocator) SetPortAttributes(ctx context.Context, tenantID, networkID, portID string, attrs model.PortAttributes) (model.PortAttributes, error) {
	if _, _, err := a.ValidatePortOwnership(ctx, tenantID, networkID, portID); err != nil {
		return nil, err
	}
	if err := validateAttributes(attrs); err != nil {
		return nil, err
	}

	if err := a.store.SetPortAttributes(ctx, portID, attrs); err != nil {
		return nil, fmt.Errorf("saving port attributes: %w", err)
	}

	log.Info("Port attributes replaced", "tenant", tenantID, "network_id", networkID, "port_id", portID, "keys", len(attrs))
	return a.store.GetPortAttributes(ctx, portID)
}

// PoolStats reports transport pool capacity
func (a *Allocator) PoolStats() transport.Stats {
	return a.pool.Stats()
}
