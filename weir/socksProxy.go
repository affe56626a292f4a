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
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	socks5 "github.com/txthinking/socks5"
	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
	"golang.org/x/sync/errgroup"
)

const localSocksHandshakeTimeout = 10 * time.Second

// LocalSocksProxyConfig specifies the configuration for a LocalSocksProxy.
type LocalSocksProxyConfig struct {

	// Logger is required.
	Logger common.Logger

	// ListenAddress is the TCP listen address, normally a loopback
	// address. Required; use port 0 to let the OS pick a port.
	ListenAddress string

	// Router establishes streams for proxied connections. Required.
	Router *StreamRouter
}

// LocalSocksProxy is a SOCKS5 server that accepts local host connections
// and relays each through a ProxyStream established by the shared stream
// router, so local applications and tunneled flows route identically.
//
// Only the CONNECT command is supported; BIND and UDP ASSOCIATE requests
// are refused. Authentication is not offered.
type LocalSocksProxy struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	relayCount   int64
	blockedCount int64

	config      *LocalSocksProxyConfig
	listener    net.Listener
	runContext  context.Context
	stopRunning context.CancelFunc
	workers     *sync.WaitGroup
	conns       *common.Conns
	stopOnce    sync.Once
}

// NewLocalSocksProxy initializes a new LocalSocksProxy. It begins
// listening immediately and leaves an accept loop running.
func NewLocalSocksProxy(
	config *LocalSocksProxyConfig) (*LocalSocksProxy, error) {

	if config.Logger == nil {
		return nil, errors.TraceNew("missing logger")
	}
	if config.ListenAddress == "" {
		return nil, errors.TraceNew("missing listen address")
	}
	if config.Router == nil || config.Router.DnsClient == nil {
		return nil, errors.TraceNew("missing stream router")
	}

	listener, err := net.Listen("tcp", config.ListenAddress)
	if err != nil {
		return nil, errors.Trace(err)
	}

	runContext, stopRunning := context.WithCancel(context.Background())

	proxy := &LocalSocksProxy{
		config:      config,
		listener:    listener,
		runContext:  runContext,
		stopRunning: stopRunning,
		workers:     new(sync.WaitGroup),
		conns:       common.NewConns(),
	}

	proxy.workers.Add(1)
	go proxy.acceptConnections()

	config.Logger.WithTraceFields(common.LogFields{
		"address": listener.Addr().String(),
	}).Info("local SOCKS proxy running")

	return proxy, nil
}

// Addr returns the listener's address, reflecting the OS-selected port
// when the configured listen address used port 0.
func (proxy *LocalSocksProxy) Addr() net.Addr {
	return proxy.listener.Addr()
}

// Close terminates the listener, closes all relayed connections, and waits
// for all workers to complete. Close is idempotent.
func (proxy *LocalSocksProxy) Close() {
	proxy.stopOnce.Do(func() {
		proxy.stopRunning()
		_ = proxy.listener.Close()
		proxy.conns.CloseAll()
		proxy.workers.Wait()
	})
}

func (proxy *LocalSocksProxy) acceptConnections() {
	defer proxy.workers.Done()

	for {
		conn, err := proxy.listener.Accept()

		select {
		case <-proxy.runContext.Done():
			if err == nil {
				conn.Close()
			}
			return
		default:
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				proxy.config.Logger.WithTraceFields(common.LogFields{
					"error": err.Error(),
				}).Debug("accept failed")
				continue
			}
			proxy.config.Logger.WithTraceFields(common.LogFields{
				"error": err.Error(),
			}).Warning("accept failed")
			return
		}

		proxy.workers.Add(1)
		go func(conn net.Conn) {
			defer proxy.workers.Done()
			err := proxy.handleConnection(conn)
			if err != nil {
				proxy.config.Logger.WithTraceFields(common.LogFields{
					"client_ip": common.IPAddressFromAddr(conn.RemoteAddr()),
					"error":     err.Error(),
				}).Warning("connection failed")
			}
		}(conn)
	}
}

func writeSocksErrorReply(conn net.Conn, rep byte) {
	_, _ = socks5.NewReply(
		rep, socks5.ATYPIPv4,
		[]byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(conn)
}

func (proxy *LocalSocksProxy) handleConnection(conn net.Conn) error {
	defer conn.Close()

	if !proxy.conns.Add(conn) {
		return errors.TraceNew("proxy is stopped")
	}
	defer proxy.conns.Remove(conn)

	err := conn.SetDeadline(time.Now().Add(localSocksHandshakeTimeout))
	if err != nil {
		return errors.Trace(err)
	}

	negotiation, err := socks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return errors.Trace(err)
	}
	supportsNoAuth := false
	for _, method := range negotiation.Methods {
		if method == socks5.MethodNone {
			supportsNoAuth = true
			break
		}
	}
	if !supportsNoAuth {
		// RFC 1928: 0xFF indicates no acceptable methods.
		_, _ = socks5.NewNegotiationReply(0xff).WriteTo(conn)
		return errors.TraceNew("no acceptable authentication method")
	}
	_, err = socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(conn)
	if err != nil {
		return errors.Trace(err)
	}

	request, err := socks5.NewRequestFrom(conn)
	if err != nil {
		return errors.Trace(err)
	}

	if request.Cmd != socks5.CmdConnect {
		writeSocksErrorReply(conn, socks5.RepCommandNotSupported)
		return errors.Tracef("unsupported command: %d", request.Cmd)
	}

	destination, err := ParseAddress(request.Address())
	if err != nil {
		writeSocksErrorReply(conn, socks5.RepHostUnreachable)
		return errors.Trace(err)
	}

	stream, action, err := proxy.config.Router.Connect(
		proxy.runContext, destination)
	if err != nil {
		writeSocksErrorReply(conn, socks5.RepHostUnreachable)
		return errors.Trace(err)
	}
	if action == RouteBlock {
		atomic.AddInt64(&proxy.blockedCount, 1)
		writeSocksErrorReply(conn, socks5.RepConnectionRefused)
		proxy.config.Logger.WithTraceFields(common.LogFields{
			"remote_addr": destination.String(),
		}).Debug("destination blocked")
		return nil
	}

	if !proxy.conns.Add(stream) {
		stream.Shutdown()
		stream.Release()
		return errors.TraceNew("proxy is stopped")
	}
	defer func() {
		proxy.conns.Remove(stream)
		stream.Shutdown()
		stream.Release()
	}()

	atyp, boundAddr, boundPort, err := socks5.ParseAddress(
		conn.LocalAddr().String())
	if err != nil {
		return errors.Trace(err)
	}
	if atyp == socks5.ATYPDomain {
		boundAddr = boundAddr[1:]
	}
	_, err = socks5.NewReply(
		socks5.RepSuccess, atyp, boundAddr, boundPort).WriteTo(conn)
	if err != nil {
		return errors.Trace(err)
	}

	err = conn.SetDeadline(time.Time{})
	if err != nil {
		return errors.Trace(err)
	}

	startTime := time.Now()

	relayGroup := new(errgroup.Group)

	relayGroup.Go(func() error {
		_, err := io.Copy(stream, conn)
		if err == nil {
			err = stream.CloseWrite()
		}
		if err != nil {
			// Hard teardown unblocks the other direction.
			_ = stream.Close()
			stream.Shutdown()
		}
		return err
	})

	relayGroup.Go(func() error {
		_, err := io.Copy(conn, stream)
		if err == nil {
			if closeWriter, ok := conn.(common.CloseWriter); ok {
				err = closeWriter.CloseWrite()
			}
		}
		if err != nil {
			_ = conn.Close()
		}
		return err
	})

	err = relayGroup.Wait()

	atomic.AddInt64(&proxy.relayCount, 1)

	logFields := common.LogFields{
		"remote_addr": destination.String(),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}
	if config := stream.Config(); config != nil {
		logFields["server"] = config.Name
	}
	logFields.Add(stream.Traffic().GetMetrics())
	proxy.config.Logger.LogMetric("socks_relay", logFields)

	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// GetMetrics implements the common.MetricsSource interface.
func (proxy *LocalSocksProxy) GetMetrics() common.LogFields {
	return common.LogFields{
		"listen_port":   common.PortFromAddr(proxy.listener.Addr()),
		"socks_relays":  atomic.LoadInt64(&proxy.relayCount),
		"socks_blocked": atomic.LoadInt64(&proxy.blockedCount),
	}
}
