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
	"context"
	"crypto/x509"
	"net"
	"net/netip"

	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

// DialConfig specifies transport-level options applied to every backend and
// direct connection. A nil *DialConfig selects all defaults.
type DialConfig struct {

	// CustomDialer optionally replaces the net.Dialer used for TCP dials.
	// Intended for tests and for callers which must bind dials to a
	// specific interface or device.
	CustomDialer common.NetDialer

	// RateLimits, when set, throttle each connection's transport reads and
	// writes.
	RateLimits common.RateLimits

	// TLSRootCAs, when set, replaces the system root CA pool for HTTPS
	// CONNECT backend verification.
	TLSRootCAs *x509.CertPool
}

func (config *DialConfig) netDialer() common.NetDialer {
	if config != nil && config.CustomDialer != nil {
		return config.CustomDialer
	}
	return &net.Dialer{}
}

func (config *DialConfig) rateLimits() common.RateLimits {
	if config == nil {
		return common.RateLimits{}
	}
	return config.RateLimits
}

func (config *DialConfig) tlsRootCAs() *x509.CertPool {
	if config == nil {
		return nil
	}
	return config.TLSRootCAs
}

// DialTCP establishes a TCP connection to the socket address, applying the
// dial config's rate limits. All five transport variants build on DialTCP
// for their underlying conn, so throttling and custom dialers apply
// uniformly.
func DialTCP(
	ctx context.Context,
	dialConfig *DialConfig,
	socketAddr netip.AddrPort) (net.Conn, error) {

	conn, err := dialConfig.netDialer().DialContext(
		ctx, "tcp", socketAddr.String())
	if err != nil {
		return nil, errors.Trace(err)
	}

	if limits := dialConfig.rateLimits(); limits.IsThrottled() {
		conn = common.NewThrottledConn(conn, limits)
	}

	return conn, nil
}
