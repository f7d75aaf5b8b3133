package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/bridge"
	"github.com/ashfall-io/ashfall/internal/connections"
	"github.com/ashfall-io/ashfall/internal/operatorauth"
)

// bridgeUpgrader performs the HTTP -> WebSocket protocol upgrade for the
// operator bridge. CheckOrigin always returns true — origin validation is
// the responsibility of the reverse proxy in production deployments,
// mirrored from the teacher's internal/websocket.Client upgrader.
var bridgeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// BridgeHandler serves GET /api/v1/agents/{id}/shell: the operator bridge
// websocket upgrade of spec.md §4.5/§6.
type BridgeHandler struct {
	conns     *connections.Manager
	validator operatorauth.TokenValidator
	logger    *zap.Logger
}

// NewBridgeHandler creates a new BridgeHandler.
func NewBridgeHandler(conns *connections.Manager, validator operatorauth.TokenValidator, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{
		conns:     conns,
		validator: validator,
		logger:    logger.Named("bridge_handler"),
	}
}

// ServeShell handles GET /api/v1/agents/{id}/shell.
//
// The bearer token is read from the `token` query parameter rather than the
// Authorization header — browsers cannot set custom headers on the request
// that opens a WebSocket connection, the same constraint the teacher's
// internal/api/ws.go documents for its notification socket.
func (h *BridgeHandler) ServeShell(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if agentID == "" {
		ErrBadRequest(w, "missing agent id")
		return
	}

	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}
	identity, err := h.validator.Validate(r.Context(), tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	if !h.conns.IsConnected(agentID) {
		ErrNotFound(w)
		return
	}

	conn, err := bridgeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("bridge: upgrade failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	b, err := bridge.New(h.conns, agentID, conn, h.logger)
	if err != nil {
		// The agent disconnected between the IsConnected check above and the
		// upgrade completing; close the just-opened socket.
		if errors.Is(err, bridge.ErrAgentNotOnline) {
			_ = conn.Close()
			return
		}
		h.logger.Error("bridge: setup failed", zap.String("agent_id", agentID), zap.Error(err))
		_ = conn.Close()
		return
	}

	h.logger.Info("bridge: operator attached",
		zap.String("agent_id", agentID),
		zap.String("operator", identity.Subject),
		zap.String("remote_addr", r.RemoteAddr),
	)

	if err := b.Run(r.Context()); err != nil {
		h.logger.Info("bridge: session ended", zap.String("agent_id", agentID), zap.Error(err))
	} else {
		h.logger.Info("bridge: session ended", zap.String("agent_id", agentID))
	}
}
