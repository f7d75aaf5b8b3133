// Package bridge splices an authenticated operator websocket to a connected
// agent's byte pipes: spec.md §4.5's operator bridge.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/connections"
	"github.com/ashfall-io/ashfall/internal/metrics"
	"github.com/ashfall-io/ashfall/internal/netutil"
)

const (
	// writeWait bounds a single websocket write, including ping frames.
	// Grounded on arkeep's internal/websocket/client.go writeWait.
	writeWait = 10 * time.Second

	// pongWait is how long the bridge waits for a pong before considering
	// the operator gone. Grounded on the same file's pongWait.
	pongWait = 60 * time.Second

	// pingPeriod must be comfortably inside pongWait so the operator has
	// time to reply — same 9/10 margin arkeep uses.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds a single websocket frame from the operator.
	// Larger than arkeep's 512-byte notification limit because this
	// channel carries interactive shell input, not control messages.
	maxMessageSize = 1 << 20
)

// ErrAgentNotOnline is returned by New when no connection entry exists for
// the requested agent — the caller should fail the request before
// completing the websocket upgrade (spec.md §4.5 step 1).
var ErrAgentNotOnline = errors.New("bridge: agent not online")

// Bridge owns one operator<->agent splice for the lifetime of a websocket
// connection. Grounded on arkeep's internal/websocket.Client (ping/pong
// deadlines, the single-writer-goroutine rule for *websocket.Conn), but
// restructured around internal/netutil.Merge instead of a broadcast hub:
// this bridge pairs exactly one operator with exactly one agent, not one
// message with N subscribers.
type Bridge struct {
	conn  *websocket.Conn
	entry *connections.Entry
	log   *zap.Logger
}

// New looks up agentID in registry and, if connected, returns a Bridge
// ready to Run. Returns ErrAgentNotOnline otherwise.
func New(registry *connections.Manager, agentID string, conn *websocket.Conn, log *zap.Logger) (*Bridge, error) {
	entry, ok := registry.Get(agentID)
	if !ok {
		return nil, ErrAgentNotOnline
	}
	return &Bridge{
		conn:  conn,
		entry: entry,
		log:   log.Named("bridge").With(zap.String("agent_id", agentID)),
	}, nil
}

// Run splices bytes in both directions until the agent pipe closes, the
// websocket closes, or either direction errors. It blocks until the splice
// ends and always closes the websocket before returning. The agent's own
// connection is untouched either way — detaching an operator never tears
// down the agent's session.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer b.conn.Close()

	metrics.BridgeSessionsActive.Inc()
	defer metrics.BridgeSessionsActive.Dec()

	b.conn.SetReadLimit(maxMessageSize)
	if err := b.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	wsIn := make(chan []byte)
	readErrCh := make(chan error, 1)
	go b.readWS(ctx, wsIn, readErrCh)

	merged := netutil.Merge(ctx, b.entry.FromAgent.Recv(), wsIn)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case item, ok := <-merged:
			if !ok {
				select {
				case err := <-readErrCh:
					if websocket.IsUnexpectedCloseError(err,
						websocket.CloseGoingAway,
						websocket.CloseNormalClosure,
						websocket.CloseNoStatusReceived,
					) {
						return err
					}
					return nil
				default:
					return nil
				}
			}

			switch item.Source {
			case netutil.SourceA: // agent -> operator
				if err := b.writeBinary(item.Value); err != nil {
					return err
				}
				metrics.BridgeBytesToOperator(len(item.Value))
			case netutil.SourceB: // operator -> agent
				if err := b.entry.ToAgent.Send(item.Value); err != nil {
					b.log.Warn("operator->agent pipe overflow, ending bridge", zap.Error(err))
					return err
				}
				metrics.BridgeBytesToAgent(len(item.Value))
			}

		case <-ticker.C:
			if err := b.writePing(); err != nil {
				return err
			}
		}
	}
}

// readWS is the bridge's sole reader: it never writes to conn (the select
// loop in Run is the sole writer, per gorilla/websocket's one-reader/
// one-writer concurrency contract).
func (b *Bridge) readWS(ctx context.Context, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) writeBinary(data []byte) error {
	if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return b.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (b *Bridge) writePing() error {
	if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return b.conn.WriteMessage(websocket.PingMessage, nil)
}
