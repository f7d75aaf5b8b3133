package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashfall-io/ashfall/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// AgentRepository persists the control server's one table. It is consumed
// by three independent callers: internal/api (CRUD from the admin surface),
// internal/keystore (ListSecrets, to build the handshake snapshot), and
// internal/connections (UpdateLastSeen, from the best-effort background
// task). Grounded on arkeep's internal/repositories/agent.go, trimmed of
// fields this system's Agent doesn't have.
type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByName(ctx context.Context, name string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateLastSeen(ctx context.Context, agentID string, addr string, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)

	// ListSecrets returns the full agent_id -> secret mapping consulted by
	// internal/keystore.Store.Refresh to build the handshake snapshot.
	ListSecrets(ctx context.Context) (map[string]string, error)
}
