package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/sqlscope/gateway-go/internal/errors"
	"github.com/sqlscope/gateway-go/internal/gateway"
)

// GatewayHandler exposes registry state and operator controls.
type GatewayHandler struct {
	router *gateway.Router
}

func NewGatewayHandler(router *gateway.Router) *GatewayHandler {
	return &GatewayHandler{router: router}
}

func (h *GatewayHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Delete("/{databaseID}", h.Evict)
	return r
}

func (h *GatewayHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.router.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"gateways": sessions,
		"count":    len(sessions),
	})
}

// Evict force-closes the live session for a database. The agent will
// reconnect with backoff; useful to clear a wedged session without waiting
// for the heartbeat timeout.
func (h *GatewayHandler) Evict(w http.ResponseWriter, r *http.Request) {
	databaseID := chi.URLParam(r, "databaseID")

	if !h.router.ForceEvict(r.Context(), databaseID) {
		writeError(w, apperrors.GatewayOffline(databaseID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"evicted":    true,
		"databaseId": databaseID,
	})
}
