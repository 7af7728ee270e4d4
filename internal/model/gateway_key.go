package model

import (
	"slices"
	"time"

	"github.com/lib/pq"
)

// GatewayKey is the persisted credential binding one on-premises agent to
// one tenant database. The raw token is never stored, only its SHA-256 hash.
type GatewayKey struct {
	ID         string         `db:"id" json:"id"`
	KeyPrefix  string         `db:"key_prefix" json:"keyPrefix"`
	KeyHash    string         `db:"key_hash" json:"-"`
	TenantID   string         `db:"tenant_id" json:"tenantId"`
	DatabaseID string         `db:"database_id" json:"databaseId"`
	Scopes     pq.StringArray `db:"scopes" json:"scopes"`
	ExpiresAt  *time.Time     `db:"expires_at" json:"expiresAt,omitempty"`
	IsActive   bool           `db:"is_active" json:"isActive"`
	LastUsedAt *time.Time     `db:"last_used_at" json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"createdAt"`
}

func (k *GatewayKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

func (k *GatewayKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}
