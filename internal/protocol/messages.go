// Package protocol defines the JSON frames exchanged over the gateway
// tunnel. Every frame carries a "type" discriminator; correlation between
// QUERY_REQUEST and QUERY_RESPONSE is solely by request_id, never by
// arrival order.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeAuthRequest   = "AUTH_REQUEST"
	TypeAuthResponse  = "AUTH_RESPONSE"
	TypeHeartbeat     = "HEARTBEAT"
	TypeHeartbeatAck  = "HEARTBEAT_ACK"
	TypeQueryRequest  = "QUERY_REQUEST"
	TypeQueryResponse = "QUERY_RESPONSE"
	// TypeClose is sent by the agent on planned shutdown so the cloud can
	// clear the connectivity flag immediately instead of waiting for the
	// heartbeat timeout.
	TypeClose = "CLOSE"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AuthRequest is the first frame an agent must send after connecting.
type AuthRequest struct {
	Type          string    `json:"type"`
	GatewayToken  string    `json:"gateway_token"`
	AgentVersion  string    `json:"agent_version"`
	AgentHostname string    `json:"agent_hostname"`
	AgentOS       string    `json:"agent_os"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewAuthRequest(token, version, hostname, agentOS string) *AuthRequest {
	return &AuthRequest{
		Type:          TypeAuthRequest,
		GatewayToken:  token,
		AgentVersion:  version,
		AgentHostname: hostname,
		AgentOS:       agentOS,
		Timestamp:     time.Now().UTC(),
	}
}

type AuthResponse struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	SessionID    string `json:"session_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func NewAuthSuccess(sessionID string) *AuthResponse {
	return &AuthResponse{Type: TypeAuthResponse, Status: StatusSuccess, SessionID: sessionID}
}

func NewAuthError(message string) *AuthResponse {
	return &AuthResponse{Type: TypeAuthResponse, Status: StatusError, ErrorMessage: message}
}

type Heartbeat struct {
	Type            string    `json:"type"`
	SessionID       string    `json:"session_id"`
	DBStatus        string    `json:"db_status"`
	QueriesExecuted int64     `json:"queries_executed"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

func NewHeartbeat(sessionID, dbStatus string, queriesExecuted, uptimeSeconds int64) *Heartbeat {
	return &Heartbeat{
		Type:            TypeHeartbeat,
		SessionID:       sessionID,
		DBStatus:        dbStatus,
		QueriesExecuted: queriesExecuted,
		UptimeSeconds:   uptimeSeconds,
		Timestamp:       time.Now().UTC(),
	}
}

type HeartbeatAck struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewHeartbeatAck() *HeartbeatAck {
	return &HeartbeatAck{Type: TypeHeartbeatAck, Timestamp: time.Now().UTC()}
}

type QueryRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	SQLQuery  string `json:"sql_query"`
	// TimeoutSeconds bounds local execution on the agent.
	TimeoutSeconds float64 `json:"timeout"`
	MaxRows        int     `json:"max_rows"`
}

func NewQueryRequest(requestID, sqlQuery string, timeout time.Duration, maxRows int) *QueryRequest {
	return &QueryRequest{
		Type:           TypeQueryRequest,
		RequestID:      requestID,
		SQLQuery:       sqlQuery,
		TimeoutSeconds: timeout.Seconds(),
		MaxRows:        maxRows,
	}
}

func (q *QueryRequest) Timeout() time.Duration {
	return time.Duration(q.TimeoutSeconds * float64(time.Second))
}

type QueryResponse struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id"`
	Status    string   `json:"status"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated,omitempty"`
	// ExecutionTimeMS is the agent-side execution time in milliseconds.
	ExecutionTimeMS float64 `json:"execution_time"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

func NewQueryError(requestID, message string, executionTime time.Duration) *QueryResponse {
	return &QueryResponse{
		Type:            TypeQueryResponse,
		RequestID:       requestID,
		Status:          StatusError,
		Columns:         []string{},
		Rows:            [][]any{},
		ExecutionTimeMS: float64(executionTime.Microseconds()) / 1000,
		ErrorMessage:    message,
	}
}

type Close struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func NewClose(sessionID, reason string) *Close {
	return &Close{Type: TypeClose, SessionID: sessionID, Reason: reason}
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses a raw frame into its typed message.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeAuthRequest:
		msg = &AuthRequest{}
	case TypeAuthResponse:
		msg = &AuthResponse{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeHeartbeatAck:
		msg = &HeartbeatAck{}
	case TypeQueryRequest:
		msg = &QueryRequest{}
	case TypeQueryResponse:
		msg = &QueryResponse{}
	case TypeClose:
		msg = &Close{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}
