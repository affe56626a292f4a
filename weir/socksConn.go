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
	"net"
	"net/netip"
	"time"

	"github.com/txthinking/socks5"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

// DialSocks5 connects to the destination through a SOCKS5 proxy at
// socketAddr: TCP dial, no-auth negotiation, then a CONNECT request naming
// the destination. The destination hostname, when present, is carried in
// the request for the proxy to resolve.
func DialSocks5(
	ctx context.Context,
	dialConfig *DialConfig,
	socketAddr netip.AddrPort,
	destination Address) (net.Conn, error) {

	conn, err := DialTCP(ctx, dialConfig, socketAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	err = socks5HandshakeConnect(conn, destination)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	_ = conn.SetDeadline(time.Time{})

	return conn, nil
}

func socks5HandshakeConnect(conn net.Conn, destination Address) error {

	_, err := socks5.NewNegotiationRequest(
		[]byte{socks5.MethodNone}).WriteTo(conn)
	if err != nil {
		return errors.Trace(err)
	}

	negotiation, err := socks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return errors.Trace(err)
	}
	if negotiation.Method != socks5.MethodNone {
		return errors.Tracef(
			"unsupported negotiation method: %d", negotiation.Method)
	}

	atyp, dstAddr, dstPort, err := socks5.ParseAddress(destination.String())
	if err != nil {
		return errors.Trace(err)
	}
	if atyp == socks5.ATYPDomain {
		// ParseAddress prepends the domain length octet; NewRequest adds it
		// back when serializing.
		dstAddr = dstAddr[1:]
	}

	_, err = socks5.NewRequest(
		socks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn)
	if err != nil {
		return errors.Trace(err)
	}

	reply, err := socks5.NewReplyFrom(conn)
	if err != nil {
		return errors.Trace(err)
	}
	if reply.Rep != socks5.RepSuccess {
		return errors.Tracef("connect refused: reply %d", reply.Rep)
	}

	return nil
}
