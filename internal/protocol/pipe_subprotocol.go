package protocol

import (
	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/connections"
)

// pipeSubProtocol is the production SubProtocol: it has no domain logic of
// its own, it simply forwards decrypted agent bytes into the registry
// entry's agent->operator pipe, and leaves the operator->agent direction to
// the engine's own outbound pump (see Engine.pumpOutbound). This is the
// system's one concrete answer to the source's otherwise-pluggable
// callback-protocol layer: in this C2 system the "sub-protocol" above the
// framing engine is exactly the agent<->operator byte bridge.
type pipeSubProtocol struct {
	entry *connections.Entry
	log   *zap.Logger
}

func newPipeSubProtocol(entry *connections.Entry, log *zap.Logger) *pipeSubProtocol {
	return &pipeSubProtocol{entry: entry, log: log.Named("pipe-subprotocol")}
}

func (p *pipeSubProtocol) OnOpen(t Transport) {}

// OnBytes forwards b into the agent->operator pipe. A full pipe is a fatal
// PipeOverflow (spec.md §4.4/§7): the returned error propagates straight
// back through Engine.readLoop into teardown.
func (p *pipeSubProtocol) OnBytes(b []byte) error {
	return p.entry.FromAgent.Send(b)
}

// OnEOF closes the agent->operator pipe (no more bytes are coming from the
// agent) and reports false: this system never needs the half-open state a
// true return would request.
func (p *pipeSubProtocol) OnEOF() bool {
	p.entry.FromAgent.Close()
	return false
}

// OnClose closes both pipes so the operator bridge's merge (reading
// FromAgent, writing ToAgent) observes end-of-stream and unwinds.
func (p *pipeSubProtocol) OnClose(err error) {
	p.entry.FromAgent.Close()
	p.entry.ToAgent.Close()
}
