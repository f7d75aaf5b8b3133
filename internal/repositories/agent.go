package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ashfall-io/ashfall/internal/db"
)

// isUniqueViolation reports whether err looks like a unique-constraint
// failure from either the sqlite or postgres driver. Both drivers are
// wrapped by GORM without a common sentinel, so this matches on message
// text rather than a typed error — consistent with the narrow ErrConflict
// boundary in errors.go.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record into the database.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Returns ErrNotFound if no record
// exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByName retrieves an agent by its unique name. Returns ErrNotFound if no
// matching agent exists.
func (r *gormAgentRepository) GetByName(ctx context.Context, name string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by name: %w", err)
	}
	return &agent, nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastSeen updates only the last_seen_at and last_from_addr columns.
// This is the hot path called by internal/connections.Manager's best-effort
// background task on every Connected entry — updating only two columns
// avoids write amplification on the full row.
func (r *gormAgentRepository) UpdateLastSeen(ctx context.Context, agentID string, addr string, at time.Time) error {
	id, err := uuid.Parse(agentID)
	if err != nil {
		return fmt.Errorf("agents: update last seen: %w", err)
	}
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_seen_at":   at,
			"last_from_addr": addr,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: update last seen: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete permanently removes an agent record. There is no soft-delete here:
// once an agent is gone its secret must stop being served by the keystore on
// the very next refresh, not merely be hidden from default-scoped queries.
func (r *gormAgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("agents: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of agents and the total count.
func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// ListSecrets returns the full agent_id -> secret mapping, consulted by
// internal/keystore.Store.Refresh to rebuild the handshake snapshot.
func (r *gormAgentRepository) ListSecrets(ctx context.Context) (map[string]string, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).Select("id", "secret").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list secrets: %w", err)
	}

	out := make(map[string]string, len(agents))
	for _, a := range agents {
		out[a.ID.String()] = string(a.Secret)
	}
	return out, nil
}
