package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/sqlscope/gateway-go/internal/errors"
	"github.com/sqlscope/gateway-go/internal/gateway"
	"github.com/sqlscope/gateway-go/internal/model"
	"github.com/sqlscope/gateway-go/internal/protocol"
	"github.com/sqlscope/gateway-go/internal/repository"
)

type queryRequest struct {
	DatabaseID     string `json:"database_id"`
	SQL            string `json:"sql"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	MaxRows        int    `json:"max_rows,omitempty"`
}

type queryResponse struct {
	Status          string   `json:"status"`
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowCount        int      `json:"rowCount"`
	Truncated       bool     `json:"truncated,omitempty"`
	ExecutionTimeMS float64  `json:"executionTimeMs"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
}

// QueryHandler is the entry point for cloud application code that needs a
// query run on a tenant database behind the tunnel.
type QueryHandler struct {
	router    *gateway.Router
	tenantDBs repository.TenantDatabaseRepository
}

func NewQueryHandler(router *gateway.Router, tenantDBs repository.TenantDatabaseRepository) *QueryHandler {
	return &QueryHandler{router: router, tenantDBs: tenantDBs}
}

func (h *QueryHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.DatabaseID == "" {
		writeError(w, apperrors.MissingRequired("database_id"))
		return
	}
	if req.SQL == "" {
		writeError(w, apperrors.MissingRequired("sql"))
		return
	}

	tenantDB, err := h.tenantDBs.FindByID(r.Context(), req.DatabaseID)
	if err != nil {
		log.Error().Err(err).Str("databaseId", req.DatabaseID).Msg("tenant database lookup failed")
		writeError(w, apperrors.Database(err))
		return
	}
	if tenantDB == nil {
		writeError(w, apperrors.NotFound("Database"))
		return
	}
	if tenantDB.ConnectionMode != model.ConnectionModeGatewayOnly {
		writeError(w, apperrors.DirectMode(req.DatabaseID))
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	resp, err := h.router.Dispatch(r.Context(), req.DatabaseID, req.SQL, timeout, req.MaxRows)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrNoLiveSession):
			writeError(w, apperrors.GatewayOffline(req.DatabaseID))
		case errors.Is(err, gateway.ErrQueryTimeout):
			writeError(w, apperrors.QueryTimeout())
		case errors.Is(err, gateway.ErrConnectionLost):
			writeError(w, apperrors.ConnectionLost())
		default:
			writeError(w, apperrors.Internal("Query dispatch failed").WithCause(err))
		}
		return
	}

	// Query-level failures are results, not connection failures: the
	// session stays live and the caller gets the agent's error message.
	writeJSON(w, http.StatusOK, toQueryResponse(resp))
}

func toQueryResponse(resp *protocol.QueryResponse) queryResponse {
	return queryResponse{
		Status:          resp.Status,
		Columns:         resp.Columns,
		Rows:            resp.Rows,
		RowCount:        resp.RowCount,
		Truncated:       resp.Truncated,
		ExecutionTimeMS: resp.ExecutionTimeMS,
		ErrorMessage:    resp.ErrorMessage,
	}
}
