package connections

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/netutil"
)

// fakeLastSeenUpdater records UpdateLastSeen calls for assertions.
type fakeLastSeenUpdater struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeLastSeenUpdater) UpdateLastSeen(ctx context.Context, agentID string, addr string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeLastSeenUpdater) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testAddr(port int) netutil.Addr {
	return netutil.Addr{Host: "127.0.0.1", Port: port}
}

func TestManager_RegisterThenGet(t *testing.T) {
	m := NewManager(nil, 16, zap.NewNop())

	owner := new(int)
	entry := m.Register("agent-1", owner, func() {}, testAddr(1))

	got, ok := m.Get("agent-1")
	if !ok {
		t.Fatal("expected agent-1 to be registered")
	}
	if got != entry {
		t.Fatal("Get returned a different entry than Register produced")
	}
	if !m.IsConnected("agent-1") {
		t.Fatal("expected IsConnected to report true")
	}
	if m.IsConnected("agent-2") {
		t.Fatal("expected IsConnected to report false for unregistered agent")
	}
}

func TestManager_RegisterEvictsPriorConnectionSynchronously(t *testing.T) {
	m := NewManager(nil, 16, zap.NewNop())

	evicted := false
	ownerA := new(int)
	first := m.Register("agent-1", ownerA, func() { evicted = true }, testAddr(1))

	ownerB := new(int)
	second := m.Register("agent-1", ownerB, func() {}, testAddr(2))

	if !evicted {
		t.Fatal("expected the prior connection's Evict callback to run before Register returns")
	}
	if first == second {
		t.Fatal("expected a new Entry for the duplicate handshake")
	}

	got, ok := m.Get("agent-1")
	if !ok || got != second {
		t.Fatal("expected the registry to hold only the newest entry")
	}
}

func TestManager_DeregisterIgnoresStaleOwner(t *testing.T) {
	m := NewManager(nil, 16, zap.NewNop())

	ownerA := new(int)
	m.Register("agent-1", ownerA, func() {}, testAddr(1))

	ownerB := new(int)
	m.Register("agent-1", ownerB, func() {}, testAddr(2))

	// The stale owner's Deregister must not remove the newer entry.
	m.Deregister("agent-1", ownerA)
	if !m.IsConnected("agent-1") {
		t.Fatal("stale Deregister must not evict the current owner's entry")
	}

	m.Deregister("agent-1", ownerB)
	if m.IsConnected("agent-1") {
		t.Fatal("expected Deregister by the current owner to remove the entry")
	}
}

func TestManager_DeregisterIsIdempotent(t *testing.T) {
	m := NewManager(nil, 16, zap.NewNop())
	owner := new(int)
	m.Register("agent-1", owner, func() {}, testAddr(1))

	m.Deregister("agent-1", owner)
	m.Deregister("agent-1", owner) // must not panic on a second call
}

func TestManager_List(t *testing.T) {
	m := NewManager(nil, 16, zap.NewNop())
	m.Register("agent-1", new(int), func() {}, testAddr(1))
	m.Register("agent-2", new(int), func() {}, testAddr(2))

	entries := m.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestManager_UpdateLastSeenIsBestEffortAndNeverPanics(t *testing.T) {
	repo := &fakeLastSeenUpdater{err: context.DeadlineExceeded}
	m := NewManager(repo, 16, zap.NewNop())

	m.UpdateLastSeen("agent-1", testAddr(1))
	m.Shutdown()

	if repo.count() != 1 {
		t.Fatalf("expected exactly one UpdateLastSeen call, got %d", repo.count())
	}
}

func TestManager_UpdateLastSeenNoopsWithNilRepo(t *testing.T) {
	m := NewManager(nil, 16, zap.NewNop())
	m.UpdateLastSeen("agent-1", testAddr(1))
	m.Shutdown()
}
