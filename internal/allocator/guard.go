package allocator

import (
	"context"
	"fmt"

	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/martinsuchenak/vnetd/internal/storage"
)

// Guard resolves network and port ids on behalf of a tenant. A resource
// that does not exist is ErrNotFound; one owned by another tenant is
// ErrNotAuthorized.
type Guard struct {
	store storage.Storage
}

// NewGuard creates a guard reading from store
func NewGuard(store storage.Storage) *Guard {
	return &Guard{store: store}
}

// ValidateNetworkOwnership returns the network when tenantID owns it
func (g *Guard) ValidateNetworkOwnership(ctx context.Context, tenantID, networkID string) (*model.Network, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("empty tenant: %w", model.ErrNotAuthorized)
	}

	network, err := g.store.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, err
	}
	if network.TenantID != tenantID {
		return nil, fmt.Errorf("network %s: %w", networkID, model.ErrNotAuthorized)
	}
	return network, nil
}

// ValidatePortOwnership returns the network and port when tenantID owns the
// network and the port belongs to it
func (g *Guard) ValidatePortOwnership(ctx context.Context, tenantID, networkID, portID string) (*model.Network, *model.Port, error) {
	network, err := g.ValidateNetworkOwnership(ctx, tenantID, networkID)
	if err != nil {
		return nil, nil, err
	}

	port, err := g.store.GetPort(ctx, networkID, portID)
	if err != nil {
		return nil, nil, err
	}
	return network, port, nil
}
