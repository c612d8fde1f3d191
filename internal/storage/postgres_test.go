package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/martinsuchenak/vnetd/internal/model"
)

func setupMockPostgres(t *testing.T) (*SQLStorage, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &SQLStorage{db: db, dialect: dialectPostgres}, mock
}

func TestSQLStorage_Rebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect dialect
		query   string
		want    string
	}{
		{"sqlite untouched", dialectSQLite, "SELECT 1 WHERE a = ? AND b = ?", "SELECT 1 WHERE a = ? AND b = ?"},
		{"postgres numbered", dialectPostgres, "SELECT 1 WHERE a = ? AND b = ?", "SELECT 1 WHERE a = $1 AND b = $2"},
		{"no placeholders", dialectPostgres, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ss := &SQLStorage{dialect: tt.dialect}
			if got := ss.rebind(tt.query); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSQLStorage_Migrate_UpToDate(t *testing.T) {
	ss, mock := setupMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(version) FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(len(migrations)))

	if err := ss.migrate(context.Background()); err != nil {
		t.Fatalf("migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestSQLStorage_Migrate_UsesPostgresTypes(t *testing.T) {
	ss, mock := setupMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(version) FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(len(migrations) - 1))

	last := migrations[len(migrations)-1]
	mock.ExpectBegin()
	for range last.statements {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version) VALUES ($1)")).
		WithArgs(last.version).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := ss.migrate(context.Background()); err != nil {
		t.Fatalf("migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}

	if got := dialectPostgres.expand("seq {{serial}}, at {{timestamp}}"); got != "seq BIGSERIAL PRIMARY KEY, at TIMESTAMPTZ" {
		t.Errorf("Unexpected postgres expansion %q", got)
	}
}

func TestSQLStorage_Postgres_GetTenantNetwork(t *testing.T) {
	ss, mock := setupMockPostgres(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND id = $2")).
		WithArgs("tenant-a", "n1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "status", "created_at", "updated_at"}).
			AddRow("n1", "tenant-a", "blue", model.NetworkActive, now, now))

	network, err := ss.GetTenantNetwork(context.Background(), "tenant-a", "n1")
	if err != nil {
		t.Fatalf("GetTenantNetwork() error = %v", err)
	}
	if network.Name != "blue" {
		t.Errorf("Expected name blue, got %s", network.Name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestSQLStorage_Postgres_DeleteNetworkNotFound(t *testing.T) {
	ss, mock := setupMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM networks WHERE id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := ss.DeleteNetwork(context.Background(), "missing"); !errors.Is(err, ErrNetworkNotFound) {
		t.Errorf("Expected ErrNetworkNotFound, got %v", err)
	}
}

func TestSQLStorage_Postgres_DeleteLinkRollsBack(t *testing.T) {
	ss, mock := setupMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM port_bindings WHERE network_id = $1")).
		WithArgs("n1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM transport_links WHERE network_id = $1")).
		WithArgs("n1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := ss.DeleteLink(context.Background(), "n1")
	if err == nil {
		t.Fatal("Expected error from DeleteLink")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestSQLStorage_Postgres_SetPortAttributesUpsert(t *testing.T) {
	ss, mock := setupMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (port_id) DO UPDATE")).
		WithArgs("p1", `{"mtu":1400}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := ss.SetPortAttributes(context.Background(), "p1", model.PortAttributes{"mtu": 1400}); err != nil {
		t.Fatalf("SetPortAttributes() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
