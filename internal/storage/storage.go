package storage

import (
	"context"
	"fmt"

	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/martinsuchenak/vnetd/internal/transport"
)

var (
	ErrNetworkNotFound = fmt.Errorf("network %w", model.ErrNotFound)
	ErrPortNotFound    = fmt.Errorf("port %w", model.ErrNotFound)
	ErrLinkNotFound    = fmt.Errorf("transport link %w", model.ErrNotFound)
	ErrInvalidID       = fmt.Errorf("%w: invalid ID", model.ErrValidation)
)

// Storage persists networks, ports, port attributes and the transport
// leases. It does not enforce tenant ownership; lists are returned in
// insertion order.
type Storage interface {
	transport.LinkStore

	// Network operations; an empty tenant lists every network
	ListNetworks(ctx context.Context, tenantID string) ([]model.Network, error)
	GetNetwork(ctx context.Context, id string) (*model.Network, error)
	GetTenantNetwork(ctx context.Context, tenantID, id string) (*model.Network, error)
	CreateNetwork(ctx context.Context, network *model.Network) error
	UpdateNetwork(ctx context.Context, id string, update model.NetworkUpdate) (*model.Network, error)
	DeleteNetwork(ctx context.Context, id string) error

	// Port operations
	ListPorts(ctx context.Context, networkID string) ([]model.Port, error)
	GetPort(ctx context.Context, networkID, portID string) (*model.Port, error)
	CreatePort(ctx context.Context, port *model.Port) error
	UpdatePort(ctx context.Context, networkID, portID string, update model.PortUpdate) (*model.Port, error)
	SetPortAttachment(ctx context.Context, networkID, portID, attachment string) (*model.Port, error)
	DeletePort(ctx context.Context, networkID, portID string) error

	// Port attribute operations; attributes are replaced as a whole
	GetPortAttributes(ctx context.Context, portID string) (model.PortAttributes, error)
	SetPortAttributes(ctx context.Context, portID string, attrs model.PortAttributes) error

	Close() error
}

// Backend names accepted by NewStorage
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// NewStorage opens the named backend. dataDir is used by sqlite, dsn by
// postgres; the memory backend ignores both.
func NewStorage(backend, dataDir, dsn string) (Storage, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStorage()
	case BackendSQLite, "":
		return NewSQLiteStorage(dataDir)
	case BackendPostgres:
		return NewPostgresStorage(dsn)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
