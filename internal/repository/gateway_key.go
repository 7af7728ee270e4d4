package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sqlscope/gateway-go/internal/model"
)

// GatewayKeyRepository is the credential store the tunnel verifies agent
// tokens against. Key issuance lives elsewhere in the platform; the gateway
// only reads keys and records their use.
type GatewayKeyRepository interface {
	FindByHash(ctx context.Context, keyHash string) (*model.GatewayKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) GatewayKeyRepository
}

type gatewayKeyDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type gatewayKeyRepo struct {
	db gatewayKeyDB
}

func NewGatewayKeyRepository(db *sqlx.DB) GatewayKeyRepository {
	return &gatewayKeyRepo{db: db}
}

func (r *gatewayKeyRepo) WithTx(tx *sqlx.Tx) GatewayKeyRepository {
	return &gatewayKeyRepo{db: tx}
}

func (r *gatewayKeyRepo) FindByHash(ctx context.Context, keyHash string) (*model.GatewayKey, error) {
	var key model.GatewayKey
	err := r.db.GetContext(ctx, &key, `
		SELECT * FROM gateway_keys WHERE key_hash = $1
	`, keyHash)
	return HandleNotFound(&key, err)
}

func (r *gatewayKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE gateway_keys SET last_used_at = $2 WHERE id = $1
	`, id, at)
	return err
}
