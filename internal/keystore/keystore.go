// Package keystore holds a snapshot-capable view of agent secrets, refreshed
// on demand from the persistence collaborator and consulted by the
// handshake search without touching the database on the hot path.
package keystore

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// AgentSecrets is the narrow slice of internal/repositories.AgentRepository
// this package depends on, kept local to avoid an import cycle between
// internal/keystore and internal/repositories.
type AgentSecrets interface {
	ListSecrets(ctx context.Context) (map[string]string, error)
}

// Store is a process-memory snapshot of agent_id -> secret. Refresh replaces
// the snapshot atomically — readers never observe a partially-updated map.
// Grounded on the source's ConnectionsManager.cached_encryption_keys /
// init_encryption_keys / list_encryption_keys, restructured per the Design
// Note that the class-level sharing there was incidental: here the snapshot
// is owned by one Store value, constructed once in cmd/c2server and handed
// by reference to both internal/protocol (as its KeyLister) and
// internal/api (to trigger refreshes on agent create/delete).
type Store struct {
	repo AgentSecrets
	log  *zap.Logger

	snapshot atomic.Pointer[map[string]string]

	// refreshMu serializes concurrent Refresh calls so two overlapping
	// refreshes can't interleave their repository reads; the atomic
	// pointer swap itself is always safe to read concurrently with.
	refreshMu sync.Mutex
}

// New constructs an empty Store. Call Refresh at least once before serving
// handshakes, or List will return an empty mapping.
func New(repo AgentSecrets, log *zap.Logger) *Store {
	s := &Store{repo: repo, log: log.Named("keystore")}
	empty := map[string]string{}
	s.snapshot.Store(&empty)
	return s
}

// Refresh reloads the keystore snapshot from persistence and replaces the
// prior snapshot atomically: idempotent, no partial visibility to
// concurrent readers of List.
func (s *Store) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	secrets, err := s.repo.ListSecrets(ctx)
	if err != nil {
		s.log.Error("keystore refresh failed", zap.Error(err))
		return err
	}

	snap := make(map[string]string, len(secrets))
	for k, v := range secrets {
		snap[k] = v
	}
	s.snapshot.Store(&snap)
	s.log.Debug("keystore refreshed", zap.Int("agent_count", len(snap)))
	return nil
}

// List returns the current snapshot as agent_id -> secret. The returned map
// is a defensive copy; mutating it has no effect on the Store.
func (s *Store) List() map[string]string {
	snap := *s.snapshot.Load()
	cp := make(map[string]string, len(snap))
	for k, v := range snap {
		cp[k] = v
	}
	return cp
}
