package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/cipher"
	"github.com/ashfall-io/ashfall/internal/connections"
	"github.com/ashfall-io/ashfall/internal/handshake"
)

type staticKeys map[string]string

func (s staticKeys) List() map[string]string { return s }

func newTestManager() *connections.Manager {
	return connections.NewManager(nil, 16, zap.NewNop())
}

func TestEngine_AcceptsValidHandshakeAndBridgesBytes(t *testing.T) {
	const secret = "V6h9A_wyEE6YLFiAtxY4W601RkBQIsLn"
	keys := staticKeys{"agent-1": secret}

	serverConn, agentConn := net.Pipe()
	defer agentConn.Close()

	mgr := newTestManager()
	eng := NewEngine(serverConn, keys, mgr, nil, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	clientTime := time.Now().Unix()
	tag := handshake.Compute([]byte(secret), clientTime)
	mangled := handshake.MangledKey([]byte(secret), tag)
	pair, err := cipher.NewPair(mangled)
	require.NoError(t, err)

	_, err = agentConn.Write(tag[:])
	require.NoError(t, err)

	plaintext := []byte("id\n")
	ciphertext := make([]byte, len(plaintext))
	pair.Encryptor.XORKeyStream(ciphertext, plaintext)
	_, err = agentConn.Write(ciphertext)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return eng.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "agent-1", eng.AgentID())

	entry, ok := mgr.Get("agent-1")
	require.True(t, ok)

	var forwarded []byte
	require.Eventually(t, func() bool {
		select {
		case b, ok := <-entry.FromAgent.Recv():
			if ok {
				forwarded = b
				return true
			}
		default:
		}
		return false
	}, time.Second, 5*time.Millisecond)
	// The engine decrypts before handing bytes to the sub-protocol, so the
	// agent->operator pipe already carries plaintext.
	require.Equal(t, plaintext, forwarded)

	reply := []byte("root\n")
	require.NoError(t, entry.ToAgent.Send(reply))

	require.NoError(t, agentConn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, len(reply))
	_, err = agentConn.Read(buf)
	require.NoError(t, err)
	decryptedReply := make([]byte, len(buf))
	pair.Decryptor.XORKeyStream(decryptedReply, buf)
	require.Equal(t, reply, decryptedReply)

	agentConn.Close()
	require.Eventually(t, func() bool {
		return eng.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
	<-done
}

func TestEngine_RejectsUnknownSecret(t *testing.T) {
	keys := staticKeys{"agent-1": "correct-secret"}

	serverConn, agentConn := net.Pipe()
	defer agentConn.Close()

	mgr := newTestManager()
	eng := NewEngine(serverConn, keys, mgr, nil, Config{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		eng.Run(context.Background())
		close(done)
	}()

	tag := handshake.Compute([]byte("wrong-secret"), time.Now().Unix())
	go agentConn.Write(tag[:])

	require.Eventually(t, func() bool {
		return eng.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
	<-done

	_, ok := mgr.Get("agent-1")
	require.False(t, ok)
}
