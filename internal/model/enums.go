package model

// ConnectionMode controls how the cloud reaches a tenant database.
type ConnectionMode string

const (
	// ConnectionModeDirect means the cloud has a network path to the
	// database and does not use the tunnel.
	ConnectionModeDirect ConnectionMode = "direct"
	// ConnectionModeGatewayOnly means every query must be routed through
	// an agent-initiated gateway session.
	ConnectionModeGatewayOnly ConnectionMode = "gateway_only"
)

// ScopeGateway is the scope a gateway key must carry to open a tunnel.
const ScopeGateway = "gateway"
