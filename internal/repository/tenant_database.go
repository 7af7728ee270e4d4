package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sqlscope/gateway-go/internal/model"
)

type TenantDatabaseRepository interface {
	FindByID(ctx context.Context, id string) (*model.TenantDatabase, error)
	SetGatewayConnected(ctx context.Context, id string, connected bool, at time.Time) error
	// DisconnectAll clears every connectivity flag. Run at startup: the
	// in-memory registry is empty after a restart, so any persisted true
	// flag is stale.
	DisconnectAll(ctx context.Context) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) TenantDatabaseRepository
}

type tenantDatabaseDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type tenantDatabaseRepo struct {
	db tenantDatabaseDB
}

func NewTenantDatabaseRepository(db *sqlx.DB) TenantDatabaseRepository {
	return &tenantDatabaseRepo{db: db}
}

func (r *tenantDatabaseRepo) WithTx(tx *sqlx.Tx) TenantDatabaseRepository {
	return &tenantDatabaseRepo{db: tx}
}

func (r *tenantDatabaseRepo) FindByID(ctx context.Context, id string) (*model.TenantDatabase, error) {
	var db model.TenantDatabase
	err := r.db.GetContext(ctx, &db, `
		SELECT * FROM tenant_databases WHERE id = $1
	`, id)
	return HandleNotFound(&db, err)
}

func (r *tenantDatabaseRepo) SetGatewayConnected(ctx context.Context, id string, connected bool, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tenant_databases SET
			gateway_connected = $2,
			gateway_connected_at = $3,
			updated_at = $3
		WHERE id = $1
	`, id, connected, at)
	return err
}

func (r *tenantDatabaseRepo) DisconnectAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tenant_databases SET
			gateway_connected = FALSE,
			updated_at = NOW()
		WHERE gateway_connected = TRUE
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
