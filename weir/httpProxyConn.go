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
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

// DialHTTPProxy connects to the destination through a plain HTTP proxy at
// socketAddr using a CONNECT request. Credentials, when present, are sent
// preemptively as Proxy-Authorization Basic.
func DialHTTPProxy(
	ctx context.Context,
	dialConfig *DialConfig,
	socketAddr netip.AddrPort,
	username, password string,
	destination Address) (net.Conn, error) {

	conn, err := DialTCP(ctx, dialConfig, socketAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	proxiedConn, err := httpConnectHandshake(
		ctx, conn, username, password, destination)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	return proxiedConn, nil
}

// DialHTTPSProxy connects to the destination through an HTTPS proxy at
// socketAddr: a TLS session to the proxy, verified against hostname, then a
// CONNECT request inside it.
func DialHTTPSProxy(
	ctx context.Context,
	dialConfig *DialConfig,
	socketAddr netip.AddrPort,
	hostname string,
	username, password string,
	destination Address) (net.Conn, error) {

	conn, err := DialTCP(ctx, dialConfig, socketAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	tlsConn := tls.Client(
		conn,
		&tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: hostname,
			RootCAs:    dialConfig.tlsRootCAs(),
		})

	err = tlsConn.HandshakeContext(ctx)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	proxiedConn, err := httpConnectHandshake(
		ctx, tlsConn, username, password, destination)
	if err != nil {
		tlsConn.Close()
		return nil, errors.Trace(err)
	}

	return proxiedConn, nil
}

// httpConnectHandshake performs the CONNECT exchange on an established
// proxy conn. The handshake response is read through a buffered reader;
// any bytes the proxy sent beyond the response, destination data arriving
// early, are preserved and surfaced by the returned conn's Read.
func httpConnectHandshake(
	ctx context.Context,
	conn net.Conn,
	username, password string,
	destination Address) (net.Conn, error) {

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	address := destination.String()

	request := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if username != "" {
		credentials := base64.StdEncoding.EncodeToString(
			[]byte(username + ":" + password))
		request.Header.Set("Proxy-Authorization", "Basic "+credentials)
	}

	err := request.Write(conn)
	if err != nil {
		return nil, errors.Trace(err)
	}

	reader := bufio.NewReader(conn)
	response, err := http.ReadResponse(reader, request)
	if err != nil {
		return nil, errors.Trace(err)
	}
	_ = response.Body.Close()

	if response.StatusCode == http.StatusProxyAuthRequired {
		return nil, errors.TraceNew("proxy requires authentication")
	}
	if response.StatusCode != http.StatusOK {
		return nil, errors.Tracef("proxy refused connection: %s", response.Status)
	}

	if reader.Buffered() > 0 {
		return &httpProxyConn{Conn: conn, staleReader: reader}, nil
	}

	return conn, nil
}

// httpProxyConn drains handshake-buffered bytes before reading from the
// underlying conn directly.
type httpProxyConn struct {
	net.Conn
	staleReader *bufio.Reader
}

func (conn *httpProxyConn) Read(b []byte) (int, error) {
	if conn.staleReader != nil {
		if conn.staleReader.Buffered() > 0 {
			return conn.staleReader.Read(b)
		}
		conn.staleReader = nil
	}
	return conn.Conn.Read(b)
}

// CloseWrite delegates to the underlying conn when supported.
func (conn *httpProxyConn) CloseWrite() error {
	if closeWriter, ok := conn.Conn.(common.CloseWriter); ok {
		return closeWriter.CloseWrite()
	}
	return errors.TraceNew("underlying conn is not a CloseWriter")
}
