package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/connections"
	"github.com/ashfall-io/ashfall/internal/netutil"
)

// newTestServer upgrades every request to a websocket and hands the server
// side connection to onConn, run on its own goroutine.
func newTestServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade failed: %v", err)
			return
		}
		go onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNew_ReturnsErrAgentNotOnlineWhenNotRegistered(t *testing.T) {
	registry := connections.NewManager(nil, 16, zap.NewNop())

	serverDone := make(chan struct{})
	var serverSide *websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide = conn
		close(serverDone)
	}))
	t.Cleanup(srv.Close)

	clientConn := dialWS(t, srv)
	<-serverDone
	defer serverSide.Close()

	_, err := New(registry, "unregistered-agent", clientConn, zap.NewNop())
	if err != ErrAgentNotOnline {
		t.Fatalf("expected ErrAgentNotOnline, got %v", err)
	}
}

func TestBridge_Run_SplicesAgentToOperatorAndBack(t *testing.T) {
	registry := connections.NewManager(nil, 16, zap.NewNop())
	entry := registry.Register("agent-1", new(int), func() {}, netutil.Addr{Host: "127.0.0.1", Port: 1})

	serverReceived := make(chan []byte, 1)
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(c *websocket.Conn) {
		serverConnCh <- c
		for {
			msgType, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				serverReceived <- data
			}
		}
	})

	clientConn := dialWS(t, srv)

	b, err := New(registry, "agent-1", clientConn, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()

	// agent -> operator: bytes sent on FromAgent should reach the operator's
	// end of the websocket (the server side here) as a binary message.
	if err := entry.FromAgent.Send([]byte("hello-operator")); err != nil {
		t.Fatalf("FromAgent.Send failed: %v", err)
	}

	serverConn := <-serverConnCh
	_ = serverConn

	select {
	case got := <-serverReceived:
		if string(got) != "hello-operator" {
			t.Fatalf("expected %q, got %q", "hello-operator", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent->operator byte delivery")
	}

	// operator -> agent: a binary message from the operator should show up
	// on the ToAgent pipe.
	if err := serverConn.WriteMessage(websocket.BinaryMessage, []byte("hello-agent")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	select {
	case got := <-entry.ToAgent.Recv():
		if string(got) != "hello-agent" {
			t.Fatalf("expected %q, got %q", "hello-agent", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operator->agent byte delivery")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancel")
	}
}

func TestBridge_Run_EndsWhenAgentPipeCloses(t *testing.T) {
	registry := connections.NewManager(nil, 16, zap.NewNop())
	entry := registry.Register("agent-1", new(int), func() {}, netutil.Addr{Host: "127.0.0.1", Port: 1})

	srv := newTestServer(t, func(c *websocket.Conn) {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	clientConn := dialWS(t, srv)

	b, err := New(registry, "agent-1", clientConn, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(context.Background()) }()

	entry.FromAgent.Close()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to end after the agent pipe closed")
	}
}
