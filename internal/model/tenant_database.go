package model

import "time"

// TenantDatabase is the control-plane record for one customer database.
// The gateway core reads connection_mode to decide whether the tunnel
// applies and writes the connectivity flag on every session transition so
// dashboards can observe it without reaching into process memory.
type TenantDatabase struct {
	ID                 string         `db:"id" json:"id"`
	TenantID           string         `db:"tenant_id" json:"tenantId"`
	Name               string         `db:"name" json:"name"`
	ConnectionMode     ConnectionMode `db:"connection_mode" json:"connectionMode"`
	GatewayKeyID       *string        `db:"gateway_key_id" json:"gatewayKeyId,omitempty"`
	GatewayConnected   bool           `db:"gateway_connected" json:"gatewayConnected"`
	GatewayConnectedAt *time.Time     `db:"gateway_connected_at" json:"gatewayConnectedAt,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updatedAt"`
}
