package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/connections"
	"github.com/ashfall-io/ashfall/internal/db"
	"github.com/ashfall-io/ashfall/internal/keystore"
	"github.com/ashfall-io/ashfall/internal/repositories"
)

// AgentHandler groups the agent-record CRUD handlers: the admin-facing half
// of the REST surface SPEC_FULL.md §10 adds around the C2 core, mirroring
// `create_client`/`list_clients` from original_source/src/seijaku/app/api.py.
type AgentHandler struct {
	repo   repositories.AgentRepository
	keys   *keystore.Store
	conns  *connections.Manager
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(repo repositories.AgentRepository, keys *keystore.Store, conns *connections.Manager, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		repo:   repo,
		keys:   keys,
		conns:  conns,
		logger: logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
// Secret is intentionally excluded — it is only shown once at creation time
// via agentCreateResponse.
type agentResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Online       bool    `json:"online"`
	LastSeenAt   *string `json:"last_seen_at"`
	LastFromAddr string  `json:"last_from_addr"`
	CreatedAt    string  `json:"created_at"`
}

// agentCreateResponse extends agentResponse with the generated secret,
// shown only once. It cannot be recovered after this response.
type agentCreateResponse struct {
	agentResponse
	Secret string `json:"secret"`
}

// agentToResponse converts a db.Agent to an agentResponse.
func (h *AgentHandler) agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:           a.ID.String(),
		Name:         a.Name,
		Online:       h.conns.IsConnected(a.ID.String()),
		LastFromAddr: a.LastFromAddr,
		CreatedAt:    a.CreatedAt.UTC().String(),
	}
	if a.LastSeenAt != nil {
		s := a.LastSeenAt.UTC().String()
		resp.LastSeenAt = &s
	}
	return resp
}

// listAgentsResponse wraps a paginated list of agents.
type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	agents, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = h.agentToResponse(&agents[i])
	}

	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// createAgentRequest is the JSON body expected by PUT /api/v1/agents.
type createAgentRequest struct {
	Name string `json:"name"`
}

// Create handles PUT /api/v1/agents. Registers a new agent record with a
// freshly generated secret and synchronously refreshes the keystore so the
// agent can complete a handshake immediately, without waiting for the
// periodic scheduler tick (SPEC_FULL.md §9/§10).
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.logger.Error("failed to generate agent secret", zap.Error(err))
		ErrInternal(w)
		return
	}

	agent := &db.Agent{
		Name:   req.Name,
		Secret: db.EncryptedString(secret),
	}

	if err := h.repo.Create(r.Context(), agent); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "an agent with this name already exists")
			return
		}
		h.logger.Error("failed to create agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.keys.Refresh(r.Context()); err != nil {
		h.logger.Warn("keystore refresh after agent create failed", zap.Error(err))
	}

	h.logger.Info("agent created",
		zap.String("agent_id", agent.ID.String()),
		zap.String("name", agent.Name),
		zap.String("operator", operatorSubject(r.Context())),
	)

	Created(w, agentCreateResponse{
		agentResponse: h.agentToResponse(agent),
		Secret:        secret,
	})
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, h.agentToResponse(agent))
}

// updateAgentRequest is the JSON body expected by PATCH /api/v1/agents/{id}.
// All fields are optional — only non-nil values are applied.
type updateAgentRequest struct {
	Name *string `json:"name"`
}

// Update handles PATCH /api/v1/agents/{id}.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		agent.Name = *req.Name
	}

	if err := h.repo.Update(r.Context(), agent); err != nil {
		h.logger.Error("failed to update agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, h.agentToResponse(agent))
}

// Delete handles DELETE /api/v1/agents/{id}. The agent record is removed
// permanently and the keystore is refreshed synchronously so the deleted
// agent's secret stops being accepted on the very next handshake attempt.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.keys.Refresh(r.Context()); err != nil {
		h.logger.Warn("keystore refresh after agent delete failed", zap.Error(err))
	}

	h.logger.Info("agent deleted",
		zap.String("agent_id", id.String()),
		zap.String("operator", operatorSubject(r.Context())),
	)

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}

// operatorSubject returns the authenticated operator's identity subject for
// audit logging, or "unknown" if Authenticate did not run (should not
// happen on routes behind the middleware group).
func operatorSubject(ctx context.Context) string {
	if identity := identityFromCtx(ctx); identity != nil {
		return identity.Subject
	}
	return "unknown"
}

// generateSecret generates a cryptographically secure 32-byte random hex
// string, used as a freshly registered agent's handshake secret.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
