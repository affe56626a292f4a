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

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/shadowsocks/go-shadowsocks2/socks"
	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

const shadowsocksClientDataWait = 10 * time.Millisecond

// shadowsocksConn tunnels a net.Conn flow over Shadowsocks AEAD encryption.
// The destination address is written lazily, coalesced with the first
// payload; Flush forces it and any buffered payload out.
type shadowsocksConn struct {
	transport.StreamConn
	writer *shadowsocks.Writer
}

// DialShadowsocks connects to the destination through the Shadowsocks
// server at socketAddr. method is the AEAD cipher name and key the shared
// secret; the destination is encoded in SOCKS address form as the first
// encrypted payload.
//
// The conn is returned after the connection to the server is established,
// but before the server has dialed the destination; a destination dial
// failure surfaces as an error on first read.
func DialShadowsocks(
	ctx context.Context,
	dialConfig *DialConfig,
	socketAddr netip.AddrPort,
	method, key string,
	destination Address) (*shadowsocksConn, error) {

	encryptionKey, err := shadowsocks.NewEncryptionKey(method, key)
	if err != nil {
		return nil, errors.Trace(err)
	}

	socksTargetAddr := socks.ParseAddr(destination.String())
	if socksTargetAddr == nil {
		return nil, errors.TraceNew("failed to encode target address")
	}

	conn, err := DialTCP(ctx, dialConfig, socketAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Based on shadowsocks.StreamDialer.DialStream: the target address is
	// lazily written so the salt, address, and initial payload coalesce
	// into one packet; the timer bounds the wait for that first payload.
	ssw := shadowsocks.NewWriter(conn, encryptionKey)
	_, err = ssw.LazyWrite(socksTargetAddr)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}
	time.AfterFunc(shadowsocksClientDataWait, func() {
		_ = ssw.Flush()
	})
	ssr := shadowsocks.NewReader(conn, encryptionKey)

	return &shadowsocksConn{
		StreamConn: transport.WrapConn(newDuplexConn(conn), ssr, ssw),
		writer:     ssw,
	}, nil
}

// Flush forces out the lazily buffered target address and any pending
// payload.
func (conn *shadowsocksConn) Flush() error {
	return errors.Trace(conn.writer.Flush())
}

// duplexConn adapts a net.Conn to transport.StreamConn, delegating
// half-close operations when the underlying conn supports them.
type duplexConn struct {
	net.Conn
}

func newDuplexConn(conn net.Conn) transport.StreamConn {
	return &duplexConn{Conn: conn}
}

func (conn *duplexConn) CloseRead() error {
	if closeReader, ok := conn.Conn.(interface{ CloseRead() error }); ok {
		return closeReader.CloseRead()
	}
	return nil
}

func (conn *duplexConn) CloseWrite() error {
	if closeWriter, ok := conn.Conn.(common.CloseWriter); ok {
		return closeWriter.CloseWrite()
	}
	return nil
}
