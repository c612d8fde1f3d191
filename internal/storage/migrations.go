package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// migration is one schema step. Statements may use {{serial}} and
// {{timestamp}}, which are expanded per dialect.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS networks (
				seq {{serial}},
				id TEXT NOT NULL UNIQUE,
				tenant_id TEXT NOT NULL,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at {{timestamp}} NOT NULL,
				updated_at {{timestamp}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_networks_tenant ON networks(tenant_id)`,
			`CREATE TABLE IF NOT EXISTS ports (
				seq {{serial}},
				id TEXT NOT NULL UNIQUE,
				network_id TEXT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
				admin_state TEXT NOT NULL,
				status TEXT NOT NULL,
				attachment TEXT NOT NULL DEFAULT '',
				created_at {{timestamp}} NOT NULL,
				updated_at {{timestamp}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ports_network ON ports(network_id)`,
			`CREATE TABLE IF NOT EXISTS port_attrs (
				port_id TEXT PRIMARY KEY REFERENCES ports(id) ON DELETE CASCADE,
				attributes TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS transport_links (
				seq {{serial}},
				network_id TEXT NOT NULL UNIQUE,
				cidr TEXT NOT NULL,
				left_address TEXT NOT NULL,
				right_address TEXT NOT NULL,
				port INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS port_bindings (
				seq {{serial}},
				network_id TEXT NOT NULL,
				port_id TEXT NOT NULL,
				src_address TEXT NOT NULL,
				src_port INTEGER NOT NULL,
				dst_address TEXT NOT NULL,
				dst_port INTEGER NOT NULL,
				UNIQUE (network_id, port_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_port_bindings_network ON port_bindings(network_id)`,
		},
	},
}

// expand fills in the dialect specific column types
func (d dialect) expand(stmt string) string {
	switch d {
	case dialectPostgres:
		stmt = strings.ReplaceAll(stmt, "{{serial}}", "BIGSERIAL PRIMARY KEY")
		stmt = strings.ReplaceAll(stmt, "{{timestamp}}", "TIMESTAMPTZ")
	default:
		stmt = strings.ReplaceAll(stmt, "{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT")
		stmt = strings.ReplaceAll(stmt, "{{timestamp}}", "TIMESTAMP")
	}
	return stmt
}

// migrate brings the schema up to the latest version. Each migration runs
// in its own transaction and is recorded in schema_migrations.
func (s *SQLStorage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLStorage) schemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("checking migration version: %w", err)
	}
	return int(version.Int64), nil
}

func (s *SQLStorage) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, s.dialect.expand(stmt)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), m.version); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}
