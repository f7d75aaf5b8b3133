package protocol

import (
	"net"
	"sync"

	"github.com/ashfall-io/ashfall/internal/cipher"
	"github.com/ashfall-io/ashfall/internal/netutil"
)

// Transport is the write-only sub-protocol facade of spec.md §4.3: it sits
// between the sub-protocol's outbound bytes and the raw agent socket,
// encrypting on write and proxying flow-control/lifecycle operations to the
// underlying connection. It has no lifecycle of its own beyond the engine's.
type Transport interface {
	Write(b []byte) (int, error)
	WriteEOF() error
	CanWriteEOF() bool
	IsClosing() bool
	Close() error
	Abort(err error)
	RemoteAddr() netutil.Addr
	AgentID() string
}

// halfCloser is satisfied by *net.TCPConn; used to detect whether the raw
// transport supports a half-close (write_eof) without importing net's
// concrete TCP type directly.
type halfCloser interface {
	CloseWrite() error
}

// cipherTransport is the production Transport: every Write is encrypted
// under the connection's RC4 encryptor stream before being forwarded to the
// raw socket. Grounded on the source's ControlClientTransport, whose write()
// does `self.protocol.encryptor.update(bytes(data))` before delegating to
// the underlying asyncio transport.
type cipherTransport struct {
	mu        sync.Mutex
	conn      net.Conn
	encryptor *cipher.Stream
	closing   bool
	agentID   string
	addr      netutil.Addr
}

func newCipherTransport(conn net.Conn, encryptor *cipher.Stream, agentID string, addr netutil.Addr) *cipherTransport {
	return &cipherTransport{conn: conn, encryptor: encryptor, agentID: agentID, addr: addr}
}

// Write encrypts b under the running keystream and forwards the ciphertext.
// The keystream is never reset, so call order here fixes the ciphertext
// forever — concurrent callers must serialize through the engine's single
// outbound pump, which Write's own mutex also defends defensively.
func (t *cipherTransport) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return 0, net.ErrClosed
	}
	ciphertext := make([]byte, len(b))
	t.encryptor.XORKeyStream(ciphertext, b)
	return t.conn.Write(ciphertext)
}

// WriteEOF half-closes the outbound direction if the raw connection
// supports it, otherwise falls back to a full Close.
func (t *cipherTransport) WriteEOF() error {
	if hc, ok := t.conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return t.Close()
}

// CanWriteEOF reports whether the raw connection supports a half-close.
func (t *cipherTransport) CanWriteEOF() bool {
	_, ok := t.conn.(halfCloser)
	return ok
}

func (t *cipherTransport) IsClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *cipherTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.mu.Unlock()
	return t.conn.Close()
}

// Abort closes the transport immediately without flushing, mirroring the
// source's abrupt transport.abort().
func (t *cipherTransport) Abort(err error) {
	_ = t.Close()
}

func (t *cipherTransport) RemoteAddr() netutil.Addr { return t.addr }
func (t *cipherTransport) AgentID() string          { return t.agentID }
