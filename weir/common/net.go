/*
 * Copyright (c) 2025, Weir Networks.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/miekg/dns"
	"github.com/wader/filtertransport"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

// NetDialer is the dial half of net.Dialer, satisfied by net.Dialer itself
// as well as the custom dialers in this repository.
type NetDialer interface {
	Dial(network, address string) (net.Conn, error)
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Closer is implemented by conn-like types that expose whether they have
// been closed.
type Closer interface {
	IsClosed() bool
}

// CloseWriter is implemented by conn-like types, including net.TCPConn,
// that can half close their write side.
type CloseWriter interface {
	CloseWrite() error
}

// Flusher is implemented by conn-like types that buffer writes and can be
// told to send pending data immediately.
type Flusher interface {
	Flush() error
}

// IPAddressFromAddr returns the IP address portion of a net.Addr, or ""
// when the address is nil or has no host:port form.
func IPAddressFromAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

// PortFromAddr returns the port number portion of a net.Addr, or 0 when
// the address is nil or has no host:port form.
func PortFromAddr(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// Conns tracks a set of open connections so they can be closed as a group.
// After CloseAll, further Adds are refused until Reset; this stops a racing
// goroutine from registering a connection that nothing will ever close.
// The zero value is ready to use.
type Conns struct {
	mutex    sync.Mutex
	isClosed bool
	conns    map[net.Conn]bool
}

// NewConns initializes a new Conns.
func NewConns() *Conns {
	return &Conns{}
}

// Reset clears the tracked set and reopens the Conns for Adds.
func (conns *Conns) Reset() {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	conns.isClosed = false
	conns.conns = make(map[net.Conn]bool)
}

// Add registers a connection for CloseAll. The return value is false when
// CloseAll has already run; the caller retains responsibility for closing
// the connection in that case.
func (conns *Conns) Add(conn net.Conn) bool {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	if conns.isClosed {
		return false
	}
	if conns.conns == nil {
		conns.conns = make(map[net.Conn]bool)
	}
	conns.conns[conn] = true
	return true
}

// Remove unregisters a connection, typically when its owner has taken over
// its lifecycle.
func (conns *Conns) Remove(conn net.Conn) {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	delete(conns.conns, conn)
}

// CloseAll closes every tracked connection and marks the Conns closed.
func (conns *Conns) CloseAll() {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	conns.isClosed = true
	for conn := range conns.conns {
		conn.Close()
	}
	conns.conns = make(map[net.Conn]bool)
}

// IsBogon reports whether IP lies in a non-routable range: loopback,
// private, link local, and the other networks filtertransport filters by
// default.
func IsBogon(IP net.IP) bool {
	return filtertransport.FindIPNet(
		filtertransport.DefaultFilteredNetworks, IP)
}

// ParseDNSQuestion unpacks a plaintext DNS message and returns the name in
// its first question, a fully qualified domain. A valid message with no
// question yields ""; an error means the payload is not a DNS message.
//
// Only the first question is examined, and only plaintext DNS is
// supported, not DNS-over-TLS/HTTPS.
func ParseDNSQuestion(request []byte) (string, error) {
	var message dns.Msg
	if err := message.Unpack(request); err != nil {
		return "", errors.Trace(err)
	}
	if len(message.Question) == 0 {
		return "", nil
	}
	return message.Question[0].Name, nil
}
