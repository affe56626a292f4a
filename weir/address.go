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

package weir

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
	"golang.org/x/net/idna"
)

// Address specifies a stream or datagram destination as either a
// hostname+port pair or a resolved IP socket address. Address is an
// immutable, comparable value type: copies are cheap and equality is by
// value. Hostnames are canonicalized, lowercased punycode, at construction.
//
// Address implements net.Addr so destinations can flow through net-facing
// APIs unchanged.
type Address struct {
	hostname string
	ip       netip.Addr
	port     uint16
}

// NewHostPortAddress makes an Address from a hostname, or IP address
// literal, and port.
func NewHostPortAddress(host string, port uint16) (Address, error) {

	if IP, err := netip.ParseAddr(host); err == nil {
		return Address{ip: IP.Unmap(), port: port}, nil
	}

	hostname, err := idna.ToASCII(strings.ToLower(host))
	if err != nil {
		return Address{}, errors.Trace(err)
	}
	if hostname == "" {
		return Address{}, errors.TraceNew("empty hostname")
	}

	return Address{hostname: hostname, port: port}, nil
}

// NewSocketAddress makes an Address from a resolved IP socket address.
func NewSocketAddress(addrPort netip.AddrPort) Address {
	return Address{ip: addrPort.Addr().Unmap(), port: addrPort.Port()}
}

// ParseAddress makes an Address from a "host:port" string.
func ParseAddress(address string) (Address, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Address{}, errors.Trace(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, errors.Trace(err)
	}
	addr, err := NewHostPortAddress(host, uint16(port))
	if err != nil {
		return Address{}, errors.Trace(err)
	}
	return addr, nil
}

// Hostname returns the hostname, or "" for a resolved socket address.
func (a Address) Hostname() string {
	return a.hostname
}

// IP returns the IP address and true for a resolved socket address, or a
// zero netip.Addr and false for a hostname address.
func (a Address) IP() (netip.Addr, bool) {
	return a.ip, a.ip.IsValid()
}

// Port returns the port number.
func (a Address) Port() uint16 {
	return a.port
}

// Host returns the hostname, or the IP address in string form.
func (a Address) Host() string {
	if a.hostname != "" {
		return a.hostname
	}
	return a.ip.String()
}

// IsZero indicates whether the Address is the zero value, which specifies
// no destination.
func (a Address) IsZero() bool {
	return a.hostname == "" && !a.ip.IsValid()
}

// Network implements net.Addr.
func (a Address) Network() string {
	return "tcp"
}

// String implements net.Addr, returning the destination in "host:port"
// form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.port)))
}
