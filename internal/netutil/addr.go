// Package netutil provides small concurrency and addressing primitives
// shared across the C2 transport core: a peer-address value type, a bounded
// byte pipe, a background-task set, and a fair two-source merge.
package netutil

import (
	"net"
	"strconv"
	"strings"
)

// Addr is a value-type peer address, decoupled from net.Addr so it can be
// logged, compared, and stored without holding a reference to the live
// connection. Mirrors the source's AddressTuple (host, port) pair.
type Addr struct {
	Host string
	Port int
}

// AddrFromNetAddr extracts an Addr from a net.Conn's RemoteAddr. Returns the
// zero Addr for a nil address; if the address cannot be split into host and
// port, Host holds the whole address string and Port is 0.
func AddrFromNetAddr(a net.Addr) Addr {
	if a == nil {
		return Addr{}
	}
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return Addr{Host: a.String()}
	}
	port, _ := strconv.Atoi(portStr)
	return Addr{Host: host, Port: port}
}

// IsIPv6 reports whether Host looks like an IPv6 literal.
func (a Addr) IsIPv6() bool {
	return strings.Contains(a.Host, ":")
}

// String renders "host:port", bracketing IPv6 hosts per RFC 3986.
func (a Addr) String() string {
	if a.IsIPv6() && !strings.HasPrefix(a.Host, "[") {
		return "[" + a.Host + "]:" + strconv.Itoa(a.Port)
	}
	return a.Host + ":" + strconv.Itoa(a.Port)
}
