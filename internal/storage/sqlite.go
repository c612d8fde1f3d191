package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/martinsuchenak/vnetd/internal/model"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStorage implements Storage on database/sql. The same queries serve
// SQLite and PostgreSQL; placeholders are rewritten for the latter.
type SQLStorage struct {
	mu      sync.RWMutex
	db      *sql.DB
	dialect dialect
	path    string
}

// NewSQLiteStorage opens (or creates) the SQLite database in dataDir
func NewSQLiteStorage(dataDir string) (*SQLStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "vnetd.db")

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ss, err := newSQLStorage(context.Background(), db, dialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	ss.path = dbPath
	return ss, nil
}

func newSQLStorage(ctx context.Context, db *sql.DB, d dialect) (*SQLStorage, error) {
	ss := &SQLStorage{db: db, dialect: d}
	if err := ss.migrate(ctx); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return ss, nil
}

// Close closes the database connection
func (ss *SQLStorage) Close() error {
	return ss.db.Close()
}

// rebind rewrites ? placeholders into $1, $2, ... for PostgreSQL
func (ss *SQLStorage) rebind(query string) string {
	if ss.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const networkColumns = "id, tenant_id, name, status, created_at, updated_at"

func scanNetwork(row rowScanner) (*model.Network, error) {
	var n model.Network
	if err := row.Scan(&n.ID, &n.TenantID, &n.Name, &n.Status, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

const portColumns = "id, network_id, admin_state, status, attachment, created_at, updated_at"

func scanPort(row rowScanner) (*model.Port, error) {
	var p model.Port
	if err := row.Scan(&p.ID, &p.NetworkID, &p.AdminState, &p.Status, &p.Attachment, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListNetworks returns the tenant's networks, or every network when
// tenantID is empty, in insertion order
func (ss *SQLStorage) ListNetworks(ctx context.Context, tenantID string) ([]model.Network, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	query := "SELECT " + networkColumns + " FROM networks"
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY seq"

	rows, err := ss.db.QueryContext(ctx, ss.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying networks: %w", err)
	}
	defer rows.Close()

	networks := []model.Network{}
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning network: %w", err)
		}
		networks = append(networks, *n)
	}
	return networks, rows.Err()
}

func (ss *SQLStorage) getNetwork(ctx context.Context, q queryer, id string) (*model.Network, error) {
	n, err := scanNetwork(q.QueryRowContext(ctx, ss.rebind(`
		SELECT `+networkColumns+`
		FROM networks
		WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNetworkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying network: %w", err)
	}
	return n, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetNetwork retrieves a network by ID
func (ss *SQLStorage) GetNetwork(ctx context.Context, id string) (*model.Network, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	return ss.getNetwork(ctx, ss.db, id)
}

// GetTenantNetwork retrieves a network by tenant and ID
func (ss *SQLStorage) GetTenantNetwork(ctx context.Context, tenantID, id string) (*model.Network, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	n, err := scanNetwork(ss.db.QueryRowContext(ctx, ss.rebind(`
		SELECT `+networkColumns+`
		FROM networks
		WHERE tenant_id = ? AND id = ?
	`), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNetworkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying network: %w", err)
	}
	return n, nil
}

// CreateNetwork adds a new network
func (ss *SQLStorage) CreateNetwork(ctx context.Context, network *model.Network) error {
	if network.ID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	now := time.Now().UTC()
	network.CreatedAt = now
	network.UpdatedAt = now

	_, err := ss.db.ExecContext(ctx, ss.rebind(`
		INSERT INTO networks (id, tenant_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), network.ID, network.TenantID, network.Name, network.Status, network.CreatedAt, network.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting network: %w", err)
	}
	return nil
}

// UpdateNetwork applies the supplied fields and returns the stored network
func (ss *SQLStorage) UpdateNetwork(ctx context.Context, id string, update model.NetworkUpdate) (*model.Network, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	args = append(args, id)

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, ss.rebind("UPDATE networks SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("updating network: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrNetworkNotFound
	}

	network, err := ss.getNetwork(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return network, nil
}

// DeleteNetwork removes a network; its ports and their attributes go with it
func (ss *SQLStorage) DeleteNetwork(ctx context.Context, id string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	result, err := ss.db.ExecContext(ctx, ss.rebind("DELETE FROM networks WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting network: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNetworkNotFound
	}
	return nil
}

// ListPorts returns the network's ports in insertion order
func (ss *SQLStorage) ListPorts(ctx context.Context, networkID string) ([]model.Port, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	rows, err := ss.db.QueryContext(ctx, ss.rebind(`
		SELECT `+portColumns+`
		FROM ports
		WHERE network_id = ?
		ORDER BY seq
	`), networkID)
	if err != nil {
		return nil, fmt.Errorf("querying ports: %w", err)
	}
	defer rows.Close()

	ports := []model.Port{}
	for rows.Next() {
		p, err := scanPort(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning port: %w", err)
		}
		ports = append(ports, *p)
	}
	return ports, rows.Err()
}

func (ss *SQLStorage) getPort(ctx context.Context, q queryer, networkID, portID string) (*model.Port, error) {
	p, err := scanPort(q.QueryRowContext(ctx, ss.rebind(`
		SELECT `+portColumns+`
		FROM ports
		WHERE network_id = ? AND id = ?
	`), networkID, portID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPortNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying port: %w", err)
	}
	return p, nil
}

// GetPort retrieves a port by network and port ID
func (ss *SQLStorage) GetPort(ctx context.Context, networkID, portID string) (*model.Port, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	return ss.getPort(ctx, ss.db, networkID, portID)
}

// CreatePort adds a new port to an existing network
func (ss *SQLStorage) CreatePort(ctx context.Context, port *model.Port) error {
	if port.ID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := ss.getNetwork(ctx, tx, port.NetworkID); err != nil {
		return err
	}

	now := time.Now().UTC()
	port.CreatedAt = now
	port.UpdatedAt = now

	_, err = tx.ExecContext(ctx, ss.rebind(`
		INSERT INTO ports (id, network_id, admin_state, status, attachment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), port.ID, port.NetworkID, port.AdminState, port.Status, port.Attachment, port.CreatedAt, port.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting port: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (ss *SQLStorage) modifyPort(ctx context.Context, networkID, portID string, sets []string, args []any) (*model.Port, error) {
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), networkID, portID)

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, ss.rebind("UPDATE ports SET "+strings.Join(sets, ", ")+" WHERE network_id = ? AND id = ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("updating port: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrPortNotFound
	}

	port, err := ss.getPort(ctx, tx, networkID, portID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return port, nil
}

// UpdatePort applies the supplied fields and returns the stored port
func (ss *SQLStorage) UpdatePort(ctx context.Context, networkID, portID string, update model.PortUpdate) (*model.Port, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var sets []string
	var args []any
	if update.AdminState != nil {
		sets = append(sets, "admin_state = ?")
		args = append(args, *update.AdminState)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	return ss.modifyPort(ctx, networkID, portID, sets, args)
}

// SetPortAttachment sets or, with an empty attachment, clears the interface
// plugged into the port
func (ss *SQLStorage) SetPortAttachment(ctx context.Context, networkID, portID, attachment string) (*model.Port, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.modifyPort(ctx, networkID, portID, []string{"attachment = ?"}, []any{attachment})
}

// DeletePort removes a port and its attributes
func (ss *SQLStorage) DeletePort(ctx context.Context, networkID, portID string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	result, err := ss.db.ExecContext(ctx, ss.rebind("DELETE FROM ports WHERE network_id = ? AND id = ?"), networkID, portID)
	if err != nil {
		return fmt.Errorf("deleting port: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrPortNotFound
	}
	return nil
}

// GetPortAttributes returns the port's attributes, empty when none were set
func (ss *SQLStorage) GetPortAttributes(ctx context.Context, portID string) (model.PortAttributes, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	var blob string
	err := ss.db.QueryRowContext(ctx, ss.rebind("SELECT attributes FROM port_attrs WHERE port_id = ?"), portID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PortAttributes{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying port attributes: %w", err)
	}
	return decodeAttributes(blob)
}

// SetPortAttributes replaces the port's attributes
func (ss *SQLStorage) SetPortAttributes(ctx context.Context, portID string, attrs model.PortAttributes) error {
	blob, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	_, err = ss.db.ExecContext(ctx, ss.rebind(`
		INSERT INTO port_attrs (port_id, attributes) VALUES (?, ?)
		ON CONFLICT (port_id) DO UPDATE SET attributes = excluded.attributes
	`), portID, blob)
	if err != nil {
		return fmt.Errorf("saving port attributes: %w", err)
	}
	return nil
}

// SaveLink records a transport link
func (ss *SQLStorage) SaveLink(ctx context.Context, link *model.TransportLink) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	_, err := ss.db.ExecContext(ctx, ss.rebind(`
		INSERT INTO transport_links (network_id, cidr, left_address, right_address, port)
		VALUES (?, ?, ?, ?, ?)
	`), link.NetworkID, link.CIDR, link.Left, link.Right, link.Port)
	if err != nil {
		return fmt.Errorf("inserting transport link: %w", err)
	}
	return nil
}

// DeleteLink removes a transport link and every binding drawn from it
func (ss *SQLStorage) DeleteLink(ctx context.Context, networkID string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ss.rebind("DELETE FROM port_bindings WHERE network_id = ?"), networkID); err != nil {
		return fmt.Errorf("deleting port bindings: %w", err)
	}
	result, err := tx.ExecContext(ctx, ss.rebind("DELETE FROM transport_links WHERE network_id = ?"), networkID)
	if err != nil {
		return fmt.Errorf("deleting transport link: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrLinkNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListLinks returns every transport link in insertion order
func (ss *SQLStorage) ListLinks(ctx context.Context) ([]model.TransportLink, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	rows, err := ss.db.QueryContext(ctx, `
		SELECT network_id, cidr, left_address, right_address, port
		FROM transport_links
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("querying transport links: %w", err)
	}
	defer rows.Close()

	links := []model.TransportLink{}
	for rows.Next() {
		var l model.TransportLink
		if err := rows.Scan(&l.NetworkID, &l.CIDR, &l.Left, &l.Right, &l.Port); err != nil {
			return nil, fmt.Errorf("scanning transport link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// SaveBinding records a port binding
func (ss *SQLStorage) SaveBinding(ctx context.Context, binding *model.PortBinding) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	_, err := ss.db.ExecContext(ctx, ss.rebind(`
		INSERT INTO port_bindings (network_id, port_id, src_address, src_port, dst_address, dst_port)
		VALUES (?, ?, ?, ?, ?, ?)
	`), binding.NetworkID, binding.PortID, binding.SrcAddress, binding.SrcPort, binding.DstAddress, binding.DstPort)
	if err != nil {
		return fmt.Errorf("inserting port binding: %w", err)
	}
	return nil
}

// DeleteBinding removes a port binding; a missing binding is not an error
func (ss *SQLStorage) DeleteBinding(ctx context.Context, networkID, portID string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	_, err := ss.db.ExecContext(ctx, ss.rebind("DELETE FROM port_bindings WHERE network_id = ? AND port_id = ?"), networkID, portID)
	if err != nil {
		return fmt.Errorf("deleting port binding: %w", err)
	}
	return nil
}

// ListBindings returns the bindings of one network, or all bindings when
// networkID is empty, in insertion order
func (ss *SQLStorage) ListBindings(ctx context.Context, networkID string) ([]model.PortBinding, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	query := `
		SELECT network_id, port_id, src_address, src_port, dst_address, dst_port
		FROM port_bindings
	`
	var args []any
	if networkID != "" {
		query += " WHERE network_id = ?"
		args = append(args, networkID)
	}
	query += " ORDER BY seq"

	rows, err := ss.db.QueryContext(ctx, ss.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying port bindings: %w", err)
	}
	defer rows.Close()

	bindings := []model.PortBinding{}
	for rows.Next() {
		var b model.PortBinding
		if err := rows.Scan(&b.NetworkID, &b.PortID, &b.SrcAddress, &b.SrcPort, &b.DstAddress, &b.DstPort); err != nil {
			return nil, fmt.Errorf("scanning port binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}
