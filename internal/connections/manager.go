// Package connections is the in-memory registry of live agent connections:
// agent_id -> (pipes to/from that agent), duplicate-handshake eviction, and
// best-effort last-seen bookkeeping.
package connections

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/netutil"
)

// Entry is one agent's connection record: the bidirectional pipes the
// operator bridge and the framing engine trade bytes through, plus
// observation-only metadata. Mirrors spec.md §4.4's
// `{agent_id → (engine, send_end_op→agent, recv_end_agent→op)}` view.
type Entry struct {
	AgentID     string
	Owner       any // opaque identity of the registering engine, for eviction/deregister comparison
	Evict       func()
	ToAgent     *netutil.Pipe // operator -> agent
	FromAgent   *netutil.Pipe // agent -> operator
	Addr        netutil.Addr
	ConnectedAt time.Time
}

// LastSeenUpdater is the narrow persistence dependency for best-effort
// last-seen bookkeeping, satisfied by internal/repositories.AgentRepository.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, agentID string, addr string, at time.Time) error
}

// Manager is the registry. Grounded on arkeep's internal/agentmanager.Manager
// (RWMutex-guarded map, pop-then-replace-with-warning eviction,
// snapshot-copy observation methods) and on the source's
// ConnectionsManager/ClientControlProtocol, whose class-level shared state
// is replaced here with one map owned per Manager instance.
type Manager struct {
	mu           sync.RWMutex
	agents       map[string]*Entry
	pipeCapacity int
	repo         LastSeenUpdater
	tasks        netutil.TaskSet
	log          *zap.Logger
}

// NewManager constructs an empty registry. pipeCapacity is the bound applied
// to every pipe created by Register (spec.md §4.4: 1024 slots in the
// reference deployment — pass netutil.DefaultPipeCapacity for that).
func NewManager(repo LastSeenUpdater, pipeCapacity int, log *zap.Logger) *Manager {
	return &Manager{
		agents:       make(map[string]*Entry),
		pipeCapacity: pipeCapacity,
		repo:         repo,
		log:          log.Named("connections"),
	}
}

// Register creates a new Entry for agentID and makes it visible to Get/List.
// If a prior entry for the same agent exists, its Evict callback is invoked
// — synchronously, and strictly before the new entry is inserted — so the
// old connection's teardown begins before the new one becomes observable
// (spec.md §4.2/§5: "duplicate-connection eviction is synchronous: the old
// engine's teardown begins before the new engine's entry into the registry
// is observable").
func (m *Manager) Register(agentID string, owner any, evict func(), addr netutil.Addr) *Entry {
	m.mu.Lock()
	old, existed := m.agents[agentID]
	if existed {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()

	if existed {
		m.log.Warn("evicting prior connection for duplicate handshake", zap.String("agent_id", agentID))
		old.Evict()
	}

	entry := &Entry{
		AgentID:     agentID,
		Owner:       owner,
		Evict:       evict,
		ToAgent:     netutil.NewPipe(m.pipeCapacity),
		FromAgent:   netutil.NewPipe(m.pipeCapacity),
		Addr:        addr,
		ConnectedAt: time.Now(),
	}

	m.mu.Lock()
	m.agents[agentID] = entry
	m.mu.Unlock()

	return entry
}

// Deregister removes the entry for agentID if, and only if, it is still
// owned by owner — a concurrent Register for the same agent (a newer
// connection) will already have replaced it, and that newer entry must not
// be torn down by a stale caller's deregister. Idempotent.
func (m *Manager) Deregister(agentID string, owner any) {
	m.mu.Lock()
	cur, ok := m.agents[agentID]
	if !ok || cur.Owner != owner {
		m.mu.Unlock()
		return
	}
	delete(m.agents, agentID)
	m.mu.Unlock()

	cur.ToAgent.Close()
	cur.FromAgent.Close()
}

// Get returns the current entry for agentID, if connected.
func (m *Manager) Get(agentID string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[agentID]
	return e, ok
}

// List returns a snapshot copy of all connected agents' entries, safe to
// range over without holding the registry lock.
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, len(m.agents))
	for _, e := range m.agents {
		out = append(out, e)
	}
	return out
}

// IsConnected reports whether agentID currently has a live entry.
func (m *Manager) IsConnected(agentID string) bool {
	_, ok := m.Get(agentID)
	return ok
}

// UpdateLastSeen fires a best-effort background update of the agent's
// last-seen timestamp and address. Failures are logged and otherwise
// ignored (spec.md §4.4: "best-effort; on failure it logs and returns
// normally. Never raises to the caller"). The update runs on the Manager's
// TaskSet so Shutdown can drain in-flight updates before the process exits.
func (m *Manager) UpdateLastSeen(agentID string, addr netutil.Addr) {
	if m.repo == nil {
		return
	}
	m.tasks.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.repo.UpdateLastSeen(ctx, agentID, addr.String(), time.Now().UTC()); err != nil {
			m.log.Error("last-seen update failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	})
}

// Shutdown waits for all in-flight best-effort background work to finish.
func (m *Manager) Shutdown() {
	m.tasks.Wait()
}
