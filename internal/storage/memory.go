package storage

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/martinsuchenak/vnetd/internal/model"
)

const (
	tableNetworks   = "networks"
	tablePorts      = "ports"
	tableAttributes = "port_attrs"
	tableLinks      = "transport_links"
	tableBindings   = "port_bindings"

	indexID      = "id"
	indexTenant  = "tenant"
	indexNetwork = "network"
)

// Records are never modified after insertion; updates insert a copy.
type networkRecord struct {
	ID       string
	TenantID string
	Seq      uint64
	Network  model.Network
}

type portRecord struct {
	ID        string
	NetworkID string
	Seq       uint64
	Port      model.Port
}

type attributesRecord struct {
	PortID string
	Blob   string
}

type linkRecord struct {
	NetworkID string
	Seq       uint64
	Link      model.TransportLink
}

type bindingRecord struct {
	NetworkID string
	PortID    string
	Seq       uint64
	Binding   model.PortBinding
}

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableNetworks: {
			Name: tableNetworks,
			Indexes: map[string]*memdb.IndexSchema{
				indexID:     {Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				indexTenant: {Name: indexTenant, Indexer: &memdb.StringFieldIndex{Field: "TenantID"}},
			},
		},
		tablePorts: {
			Name: tablePorts,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {Name: indexID, Unique: true, Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "NetworkID"},
						&memdb.StringFieldIndex{Field: "ID"},
					},
				}},
				indexNetwork: {Name: indexNetwork, Indexer: &memdb.StringFieldIndex{Field: "NetworkID"}},
			},
		},
		tableAttributes: {
			Name: tableAttributes,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "PortID"}},
			},
		},
		tableLinks: {
			Name: tableLinks,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "NetworkID"}},
			},
		},
		tableBindings: {
			Name: tableBindings,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {Name: indexID, Unique: true, Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "NetworkID"},
						&memdb.StringFieldIndex{Field: "PortID"},
					},
				}},
				indexNetwork: {Name: indexNetwork, Indexer: &memdb.StringFieldIndex{Field: "NetworkID"}},
			},
		},
	},
}

// MemoryStorage is a concurrency-safe, in-memory Storage backed by go-memdb.
// Its content is lost when the process exits.
type MemoryStorage struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() (*MemoryStorage, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, fmt.Errorf("creating memdb: %w", err)
	}
	return &MemoryStorage{db: db}, nil
}

func (ms *MemoryStorage) Close() error {
	return nil
}

func (ms *MemoryStorage) nextSeq() uint64 {
	return ms.seq.Add(1)
}

// ListNetworks returns the tenant's networks, or every network when
// tenantID is empty, in insertion order
func (ms *MemoryStorage) ListNetworks(ctx context.Context, tenantID string) ([]model.Network, error) {
	txn := ms.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	if tenantID == "" {
		it, err = txn.Get(tableNetworks, indexID)
	} else {
		it, err = txn.Get(tableNetworks, indexTenant, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying networks: %w", err)
	}

	var records []*networkRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*networkRecord))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	networks := make([]model.Network, 0, len(records))
	for _, r := range records {
		networks = append(networks, r.Network)
	}
	return networks, nil
}

func (ms *MemoryStorage) getNetwork(txn *memdb.Txn, id string) (*networkRecord, error) {
	obj, err := txn.First(tableNetworks, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("querying network: %w", err)
	}
	if obj == nil {
		return nil, ErrNetworkNotFound
	}
	return obj.(*networkRecord), nil
}

// GetNetwork retrieves a network by ID
func (ms *MemoryStorage) GetNetwork(ctx context.Context, id string) (*model.Network, error) {
	txn := ms.db.Txn(false)
	defer txn.Abort()

	r, err := ms.getNetwork(txn, id)
	if err != nil {
		return nil, err
	}
	network := r.Network
	return &network, nil
}

// GetTenantNetwork retrieves a network by tenant and ID
func (ms *MemoryStorage) GetTenantNetwork(ctx context.Context, tenantID, id string) (*model.Network, error) {
	network, err := ms.GetNetwork(ctx, id)
	if err != nil {
		return nil, err
	}
	if network.TenantID != tenantID {
		return nil, ErrNetworkNotFound
	}
	return network, nil
}

// CreateNetwork adds a new network
func (ms *MemoryStorage) CreateNetwork(ctx context.Context, network *model.Network) error {
	if network.ID == "" {
		return ErrInvalidID
	}

	txn := ms.db.Txn(true)
	defer txn.Abort()

	if existing, _ := txn.First(tableNetworks, indexID, network.ID); existing != nil {
		return fmt.Errorf("network %s already exists", network.ID)
	}

	now := time.Now()
	network.CreatedAt = now
	network.UpdatedAt = now

	if err := txn.Insert(tableNetworks, &networkRecord{
		ID:       network.ID,
		TenantID: network.TenantID,
		Seq:      ms.nextSeq(),
		Network:  *network,
	}); err != nil {
		return fmt.Errorf("inserting network: %w", err)
	}

	txn.Commit()
	return nil
}

// UpdateNetwork applies the supplied fields and returns the stored network
func (ms *MemoryStorage) UpdateNetwork(ctx context.Context, id string, update model.NetworkUpdate) (*model.Network, error) {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	r, err := ms.getNetwork(txn, id)
	if err != nil {
		return nil, err
	}

	updated := *r
	if update.Name != nil {
		updated.Network.Name = *update.Name
	}
	if update.Status != nil {
		updated.Network.Status = *update.Status
	}
	updated.Network.UpdatedAt = time.Now()

	if err := txn.Insert(tableNetworks, &updated); err != nil {
		return nil, fmt.Errorf("updating network: %w", err)
	}

	txn.Commit()
	network := updated.Network
	return &network, nil
}

// DeleteNetwork removes a network together with its ports and their
// attributes
func (ms *MemoryStorage) DeleteNetwork(ctx context.Context, id string) error {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	r, err := ms.getNetwork(txn, id)
	if err != nil {
		return err
	}

	it, err := txn.Get(tablePorts, indexNetwork, id)
	if err != nil {
		return fmt.Errorf("querying ports: %w", err)
	}
	var ports []*portRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		ports = append(ports, obj.(*portRecord))
	}
	for _, p := range ports {
		if err := ms.deletePort(txn, p); err != nil {
			return err
		}
	}

	if err := txn.Delete(tableNetworks, r); err != nil {
		return fmt.Errorf("deleting network: %w", err)
	}

	txn.Commit()
	return nil
}

// ListPorts returns the network's ports in insertion order
func (ms *MemoryStorage) ListPorts(ctx context.Context, networkID string) ([]model.Port, error) {
	txn := ms.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tablePorts, indexNetwork, networkID)
	if err != nil {
		return nil, fmt.Errorf("querying ports: %w", err)
	}

	var records []*portRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*portRecord))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	ports := make([]model.Port, 0, len(records))
	for _, r := range records {
		ports = append(ports, r.Port)
	}
	return ports, nil
}

func (ms *MemoryStorage) getPort(txn *memdb.Txn, networkID, portID string) (*portRecord, error) {
	obj, err := txn.First(tablePorts, indexID, networkID, portID)
	if err != nil {
		return nil, fmt.Errorf("querying port: %w", err)
	}
	if obj == nil {
		return nil, ErrPortNotFound
	}
	return obj.(*portRecord), nil
}

// GetPort retrieves a port by network and port ID
func (ms *MemoryStorage) GetPort(ctx context.Context, networkID, portID string) (*model.Port, error) {
	txn := ms.db.Txn(false)
	defer txn.Abort()

	r, err := ms.getPort(txn, networkID, portID)
	if err != nil {
		return nil, err
	}
	port := r.Port
	return &port, nil
}

// CreatePort adds a new port to an existing network
func (ms *MemoryStorage) CreatePort(ctx context.Context, port *model.Port) error {
	if port.ID == "" {
		return ErrInvalidID
	}

	txn := ms.db.Txn(true)
	defer txn.Abort()

	if _, err := ms.getNetwork(txn, port.NetworkID); err != nil {
		return err
	}
	if existing, _ := txn.First(tablePorts, indexID, port.NetworkID, port.ID); existing != nil {
		return fmt.Errorf("port %s already exists", port.ID)
	}

	now := time.Now()
	port.CreatedAt = now
	port.UpdatedAt = now

	if err := txn.Insert(tablePorts, &portRecord{
		ID:        port.ID,
		NetworkID: port.NetworkID,
		Seq:       ms.nextSeq(),
		Port:      *port,
	}); err != nil {
		return fmt.Errorf("inserting port: %w", err)
	}

	txn.Commit()
	return nil
}

func (ms *MemoryStorage) modifyPort(networkID, portID string, apply func(*model.Port)) (*model.Port, error) {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	r, err := ms.getPort(txn, networkID, portID)
	if err != nil {
		return nil, err
	}

	updated := *r
	apply(&updated.Port)
	updated.Port.UpdatedAt = time.Now()

	if err := txn.Insert(tablePorts, &updated); err != nil {
		return nil, fmt.Errorf("updating port: %w", err)
	}

	txn.Commit()
	port := updated.Port
	return &port, nil
}

// UpdatePort applies the supplied fields and returns the stored port
func (ms *MemoryStorage) UpdatePort(ctx context.Context, networkID, portID string, update model.PortUpdate) (*model.Port, error) {
	return ms.modifyPort(networkID, portID, func(p *model.Port) {
		if update.AdminState != nil {
			p.AdminState = *update.AdminState
		}
		if update.Status != nil {
			p.Status = *update.Status
		}
	})
}

// SetPortAttachment sets or, with an empty attachment, clears the interface
// plugged into the port
func (ms *MemoryStorage) SetPortAttachment(ctx context.Context, networkID, portID, attachment string) (*model.Port, error) {
	return ms.modifyPort(networkID, portID, func(p *model.Port) {
		p.Attachment = attachment
	})
}

func (ms *MemoryStorage) deletePort(txn *memdb.Txn, r *portRecord) error {
	if _, err := txn.DeleteAll(tableAttributes, indexID, r.ID); err != nil {
		return fmt.Errorf("deleting port attributes: %w", err)
	}
	if err := txn.Delete(tablePorts, r); err != nil {
		return fmt.Errorf("deleting port: %w", err)
	}
	return nil
}

// DeletePort removes a port and its attributes
func (ms *MemoryStorage) DeletePort(ctx context.Context, networkID, portID string) error {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	r, err := ms.getPort(txn, networkID, portID)
	if err != nil {
		return err
	}
	if err := ms.deletePort(txn, r); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// GetPortAttributes returns the port's attributes, empty when none were set
func (ms *MemoryStorage) GetPortAttributes(ctx context.Context, portID string) (model.PortAttributes, error) {
	txn := ms.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableAttributes, indexID, portID)
	if err != nil {
		return nil, fmt.Errorf("querying port attributes: %w", err)
	}
	if obj == nil {
		return model.PortAttributes{}, nil
	}
	return decodeAttributes(obj.(*attributesRecord).Blob)
}

// SetPortAttributes replaces the port's attributes
func (ms *MemoryStorage) SetPortAttributes(ctx context.Context, portID string, attrs model.PortAttributes) error {
	blob, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}

	txn := ms.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableAttributes, &attributesRecord{PortID: portID, Blob: blob}); err != nil {
		return fmt.Errorf("saving port attributes: %w", err)
	}

	txn.Commit()
	return nil
}

// SaveLink records a transport link
func (ms *MemoryStorage) SaveLink(ctx context.Context, link *model.TransportLink) error {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableLinks, &linkRecord{
		NetworkID: link.NetworkID,
		Seq:       ms.nextSeq(),
		Link:      *link,
	}); err != nil {
		return fmt.Errorf("inserting transport link: %w", err)
	}

	txn.Commit()
	return nil
}

// DeleteLink removes a transport link and every binding drawn from it
func (ms *MemoryStorage) DeleteLink(ctx context.Context, networkID string) error {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableLinks, indexID, networkID)
	if err != nil {
		return fmt.Errorf("querying transport link: %w", err)
	}
	if obj == nil {
		return ErrLinkNotFound
	}
	if _, err := txn.DeleteAll(tableBindings, indexNetwork, networkID); err != nil {
		return fmt.Errorf("deleting port bindings: %w", err)
	}
	if err := txn.Delete(tableLinks, obj); err != nil {
		return fmt.Errorf("deleting transport link: %w", err)
	}

	txn.Commit()
	return nil
}

// ListLinks returns every transport link in insertion order
func (ms *MemoryStorage) ListLinks(ctx context.Context) ([]model.TransportLink, error) {
	txn := ms.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableLinks, indexID)
	if err != nil {
		return nil, fmt.Errorf("querying transport links: %w", err)
	}

	var records []*linkRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*linkRecord))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	links := make([]model.TransportLink, 0, len(records))
	for _, r := range records {
		links = append(links, r.Link)
	}
	return links, nil
}

// SaveBinding records a port binding
func (ms *MemoryStorage) SaveBinding(ctx context.Context, binding *model.PortBinding) error {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableBindings, &bindingRecord{
		NetworkID: binding.NetworkID,
		PortID:    binding.PortID,
		Seq:       ms.nextSeq(),
		Binding:   *binding,
	}); err != nil {
		return fmt.Errorf("inserting port binding: %w", err)
	}

	txn.Commit()
	return nil
}

// DeleteBinding removes a port binding; a missing binding is not an error
func (ms *MemoryStorage) DeleteBinding(ctx context.Context, networkID, portID string) error {
	txn := ms.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableBindings, indexID, networkID, portID); err != nil {
		return fmt.Errorf("deleting port binding: %w", err)
	}

	txn.Commit()
	return nil
}

// ListBindings returns the bindings of one network, or all bindings when
// networkID is empty, in insertion order
func (ms *MemoryStorage) ListBindings(ctx context.Context, networkID string) ([]model.PortBinding, error) {
	txn := ms.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	if networkID == "" {
		it, err = txn.Get(tableBindings, indexID)
	} else {
		it, err = txn.Get(tableBindings, indexNetwork, networkID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying port bindings: %w", err)
	}

	var records []*bindingRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*bindingRecord))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	bindings := make([]model.PortBinding, 0, len(records))
	for _, r := range records {
		bindings = append(bindings, r.Binding)
	}
	return bindings, nil
}
