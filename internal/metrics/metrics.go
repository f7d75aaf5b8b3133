// Package metrics defines the Prometheus collectors exported by the control
// server: connected-agent count, handshake outcomes, and bridge throughput.
// The teacher's go.mod carries prometheus/client_golang without a concrete
// exporter package; this gives it one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "c2server"

var (
	// ConnectedAgents reports the number of agents currently in the
	// Connected state, sampled from internal/connections.Manager.List.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agents",
		Name:      "connected",
		Help:      "Number of agents currently connected to the control server.",
	})

	// HandshakesTotal counts completed handshake attempts by outcome
	// ("accepted" or "rejected").
	HandshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "handshake",
		Name:      "total",
		Help:      "Total handshake attempts, partitioned by outcome.",
	}, []string{"outcome"})

	// BridgeBytesTotal counts bytes relayed through the operator bridge by
	// direction ("to_agent" or "to_operator").
	BridgeBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "bytes_total",
		Help:      "Total bytes relayed through operator bridges, partitioned by direction.",
	}, []string{"direction"})

	// BridgeSessionsActive reports the number of operator bridge sessions
	// currently attached to an agent.
	BridgeSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "sessions_active",
		Help:      "Number of operator bridge websocket sessions currently open.",
	})
)

// HandshakeAccepted records a successful handshake.
func HandshakeAccepted() {
	HandshakesTotal.WithLabelValues("accepted").Inc()
}

// HandshakeRejected records a failed handshake: a full tag was read but no
// known secret reproduces it within the skew window. A connection that
// closes before a full tag arrives is not counted.
func HandshakeRejected() {
	HandshakesTotal.WithLabelValues("rejected").Inc()
}

// BridgeBytesToAgent records n bytes written from an operator to an agent.
func BridgeBytesToAgent(n int) {
	BridgeBytesTotal.WithLabelValues("to_agent").Add(float64(n))
}

// BridgeBytesToOperator records n bytes written from an agent to an
// operator.
func BridgeBytesToOperator(n int) {
	BridgeBytesTotal.WithLabelValues("to_operator").Add(float64(n))
}
