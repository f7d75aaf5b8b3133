// Package protocol implements the per-connection framing engine: the
// Establishing/Handshake/Connected/Closed state machine of spec.md §4.2,
// the handshake validation it drives, and the write-only sub-protocol
// transport facade it hands to whatever sits above it.
package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/cipher"
	"github.com/ashfall-io/ashfall/internal/connections"
	"github.com/ashfall-io/ashfall/internal/handshake"
	"github.com/ashfall-io/ashfall/internal/metrics"
	"github.com/ashfall-io/ashfall/internal/netutil"
)

// State is one of the framing engine's four lifecycle states (spec.md §4.2).
type State int32

const (
	StateEstablishing State = iota
	StateHandshake
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateHandshake:
		return "handshake"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// errEvicted is the terminal error delivered to an evicted engine's
// sub-protocol when a duplicate handshake displaces it.
var errEvicted = errors.New("protocol: connection evicted by duplicate handshake")

// KeyLister is the engine's keystore dependency: a snapshot of agent_id ->
// secret, consulted exactly once per handshake attempt (spec.md §6:
// "It is called exactly once per handshake attempt").
type KeyLister interface {
	List() map[string]string
}

// Config bundles the engine's tunables.
type Config struct {
	// SkewWindow is the accepted clock skew; zero defaults to
	// handshake.DefaultSkewWindow (±30s).
	SkewWindow time.Duration
	// ReadBufferSize bounds a single socket Read; it is not a frame
	// boundary, merely an I/O chunk size.
	ReadBufferSize int
}

func (c Config) withDefaults() Config {
	if c.SkewWindow <= 0 {
		c.SkewWindow = handshake.DefaultSkewWindow
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 32 * 1024
	}
	return c
}

// Engine is one connection's framing state machine, driven from a single
// goroutine per accepted net.Conn — the Go-native replacement for the
// source's single-threaded asyncio Protocol callbacks (see spec.md §5).
type Engine struct {
	conn     net.Conn
	keys     KeyLister
	registry *connections.Manager
	newSub   SubProtocolFactory
	cfg      Config
	log      *zap.Logger

	mu      sync.Mutex
	state   State
	agentID string

	entry     *connections.Entry
	sub       SubProtocol
	transport *cipherTransport
	decryptor *cipher.Stream

	closeOnce sync.Once
}

// NewEngine constructs an Engine for a freshly accepted connection.
// newSub may be nil, in which case the engine uses its built-in
// pipe-forwarding sub-protocol that simply shuttles decrypted bytes to and
// from the connections registry's pipes — the production wiring for this
// system, since its "sub-protocol" is exactly the shell-bridge byte stream.
func NewEngine(conn net.Conn, keys KeyLister, registry *connections.Manager, newSub SubProtocolFactory, cfg Config, log *zap.Logger) *Engine {
	return &Engine{
		conn:     conn,
		keys:     keys,
		registry: registry,
		newSub:   newSub,
		cfg:      cfg.withDefaults(),
		log:      log.Named("protocol"),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AgentID returns the handshake-identified agent id, or "" before the
// handshake completes.
func (e *Engine) AgentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agentID
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run drives the engine's entire lifecycle on the calling goroutine: the
// handshake read-and-validate, then the connected decrypt-and-deliver loop,
// until the connection ends for any reason. Run blocks until teardown is
// complete. Callers spawn one goroutine per accepted net.Conn.
func (e *Engine) Run(ctx context.Context) {
	e.setState(StateHandshake)

	tagBuf := make([]byte, handshake.TagSize)
	if _, err := io.ReadFull(e.conn, tagBuf); err != nil {
		// Short read on the first chunk: spec.md §7 InvalidHandshake — close
		// silently, no response, don't distinguish the failure reason.
		e.log.Debug("handshake read failed, closing silently", zap.Error(err))
		e.closeSilently()
		return
	}

	var observed [handshake.TagSize]byte
	copy(observed[:], tagBuf)

	match, ok := handshake.Validate(e.keys.List(), observed, time.Now(), e.cfg.SkewWindow)
	if !ok {
		metrics.HandshakeRejected()
		e.log.Debug("handshake rejected: no matching secret/timestamp in window")
		e.closeSilently()
		return
	}
	metrics.HandshakeAccepted()

	mangled := handshake.MangledKey(match.Secret, match.Tag)
	pair, err := cipher.NewPair(mangled)
	if err != nil {
		e.log.Error("cipher initialization failed", zap.Error(err))
		e.closeSilently()
		return
	}

	addr := netutil.AddrFromNetAddr(e.conn.RemoteAddr())

	e.mu.Lock()
	e.agentID = match.AgentID
	e.decryptor = pair.Decryptor
	e.transport = newCipherTransport(e.conn, pair.Encryptor, match.AgentID, addr)
	e.mu.Unlock()

	e.entry = e.registry.Register(match.AgentID, e, e.Evict, addr)
	e.setState(StateConnected)
	e.registry.UpdateLastSeen(match.AgentID, addr)
	metrics.ConnectedAgents.Inc()
	e.log.Info("agent connected", zap.String("agent_id", match.AgentID), zap.String("remote_addr", addr.String()))

	if e.newSub != nil {
		e.sub = e.newSub(match.AgentID, addr)
	} else {
		e.sub = newPipeSubProtocol(e.entry, e.log)
	}
	e.sub.OnOpen(e.transport)

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go e.pumpOutbound(pumpCtx)

	e.readLoop()
}

// pumpOutbound drains the operator->agent pipe and writes each chunk to the
// agent socket through the (encrypting) transport, until the pipe is closed
// or ctx is cancelled.
func (e *Engine) pumpOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-e.entry.ToAgent.Recv():
			if !ok {
				return
			}
			if _, err := e.transport.Write(b); err != nil {
				e.teardown(err)
				return
			}
		}
	}
}

// readLoop is the connected-state decrypt-and-deliver loop: bytes arrive in
// wire order, are decrypted in place against the running keystream, and
// handed to the sub-protocol in the same order they were read.
func (e *Engine) readLoop() {
	buf := make([]byte, e.cfg.ReadBufferSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			plain := make([]byte, n)
			e.decryptor.XORKeyStream(plain, buf[:n])
			if subErr := e.sub.OnBytes(plain); subErr != nil {
				e.teardown(subErr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				keepOpen := e.sub.OnEOF()
				if !keepOpen {
					e.teardown(nil)
				}
				return
			}
			e.teardown(err)
			return
		}
	}
}

// closeSilently tears down a connection that never reached Connected (a
// failed handshake) — just the raw socket, no sub-protocol or registry
// entry exists yet.
func (e *Engine) closeSilently() {
	e.setState(StateClosed)
	_ = e.conn.Close()
}

// teardown runs the Connected-state exit sequence exactly once: notify the
// sub-protocol of the loss (swallowing any panic it raises, per spec.md §7
// "any sub-protocol callback raised... tear down"), close the transport,
// and remove this engine's entry from the registry if it still owns one.
func (e *Engine) teardown(err error) {
	e.closeOnce.Do(func() {
		e.setState(StateClosed)

		if e.sub != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.log.Error("sub-protocol OnClose panicked", zap.Any("panic", r))
					}
				}()
				e.sub.OnClose(err)
			}()
		}

		if e.transport != nil {
			_ = e.transport.Close()
		}

		if e.agentID != "" {
			e.registry.Deregister(e.agentID, e)
			metrics.ConnectedAgents.Dec()
		}
	})
}

// Evict is called by the connections registry, synchronously and before a
// duplicate handshake's new entry becomes visible, to tear this engine down
// in favor of the newer connection.
func (e *Engine) Evict() {
	e.teardown(errEvicted)
}
