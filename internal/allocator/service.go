package allocator

import (
	"context"

	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/martinsuchenak/vnetd/internal/transport"
)

// Service is the tenant-scoped allocator surface served over HTTP and MCP
type Service interface {
	ListNetworks(ctx context.Context, tenantID string) ([]model.NetworkView, error)
	CreateNetwork(ctx context.Context, tenantID, name string) (*model.NetworkView, error)
	GetNetwork(ctx context.Context, tenantID, networkID string) (*model.NetworkView, error)
	GetNetworkLink(ctx context.Context, tenantID, networkID string) (*model.TransportLink, error)
	UpdateNetwork(ctx context.Context, tenantID, networkID string, update model.NetworkUpdate) (*model.NetworkView, error)
	DeleteNetwork(ctx context.Context, tenantID, networkID string) (*model.NetworkView, error)

	ListPorts(ctx context.Context, tenantID, networkID string) ([]model.PortView, error)
	GetPort(ctx context.Context, tenantID, networkID, portID string) (*model.PortView, error)
	CreatePort(ctx context.Context, tenantID, networkID, adminState string) (*model.PortView, error)
	UpdatePort(ctx context.Context, tenantID, networkID, portID string, update model.PortUpdate) (*model.PortView, error)
	DeletePort(ctx context.Context, tenantID, networkID, portID string) (*model.PortView, error)
	PlugInterface(ctx context.Context, tenantID, networkID, portID, attachment string) (*model.PortView, error)
	UnplugInterface(ctx context.Context, tenantID, networkID, portID string) (*model.PortView, error)
	GetPortBinding(ctx context.Context, tenantID, networkID, portID string) (*model.PortBinding, error)
	GetPortAttributes(ctx context.Context, tenantID, networkID, portID string) (model.PortAttributes, error)
	SetPortAttributes(ctx context.Context, tenantID, networkID, portID string, attrs model.PortAttributes) (model.PortAttributes, error)

	PoolStats() transport.Stats
}

var _ Service = (*Allocator)(nil)
