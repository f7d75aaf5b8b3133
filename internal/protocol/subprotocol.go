package protocol

import "github.com/ashfall-io/ashfall/internal/netutil"

// SubProtocol is the narrow contract between the framing engine and
// whatever sits above it, mirroring spec.md §6's four entry points
// (connection_made/data_received/eof_received/connection_lost). Grounded on
// the Design Note that asyncio's callback-protocol inheritance becomes an
// explicit Go interface — a capability set, not a base class.
//
// The engine calls OnOpen exactly once, after the handshake is accepted and
// before the first post-handshake byte is delivered. OnBytes is called for
// each chunk of decrypted bytes, in wire order; a non-nil return is treated
// as a SubProtocolFailure (spec.md §7) and tears the connection down. OnEOF
// is called once on transport EOF; a false return closes the connection
// immediately, true leaves it to a subsequent explicit Close. OnClose is
// called exactly once, with the terminal error (nil on a clean close), and
// must not panic — the engine recovers but logs if it does.
type SubProtocol interface {
	OnOpen(t Transport)
	OnBytes(b []byte) error
	OnEOF() bool
	OnClose(err error)
}

// SubProtocolFactory builds a fresh SubProtocol for one newly-accepted,
// handshake-validated connection. agentID and addr are already known at
// construction time so implementations can tag their own logging.
type SubProtocolFactory func(agentID string, addr netutil.Addr) SubProtocol
