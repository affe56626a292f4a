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
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

// ErrStreamShutdown is returned by every ProxyStream I/O operation once the
// stream has been shut down. It wraps the platform broken-pipe errno, so
// errors.Is(err, syscall.EPIPE) also identifies the condition.
var ErrStreamShutdown = fmt.Errorf("stream is shut down: %w", syscall.EPIPE)

// ErrInvalidConfiguration marks configuration errors raised by Connect when
// a selected protocol's required fields are absent. Identifiable with
// errors.Is.
var ErrInvalidConfiguration = fmt.Errorf("invalid proxy server configuration")

func configurationError(message string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, message)
}

type streamKind int

const (
	streamDirect streamKind = iota
	streamSocks5
	streamHTTP
	streamHTTPS
	streamShadowsocks
)

func (kind streamKind) protocol() ServerProtocol {
	switch kind {
	case streamSocks5:
		return ProtocolSocks5
	case streamHTTP:
		return ProtocolHTTP
	case streamHTTPS:
		return ProtocolHTTPS
	case streamShadowsocks:
		return ProtocolShadowsocks
	}
	return ProtocolDirect
}

// aliveFlag is the liveness state shared by all owners of one logical
// stream: an atomic dead/alive boolean plus an owner count. The flag has
// exactly one transition, alive to dead; there is no revival.
type aliveFlag struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	owners int64
	dead   int32
}

func (flag *aliveFlag) isAlive() bool {
	return atomic.LoadInt32(&flag.dead) == 0
}

func (flag *aliveFlag) shutdown() {
	atomic.StoreInt32(&flag.dead, 1)
}

func (flag *aliveFlag) addOwner() {
	atomic.AddInt64(&flag.owners, 1)
}

func (flag *aliveFlag) dropOwner() int64 {
	return atomic.AddInt64(&flag.owners, -1)
}

func (flag *aliveFlag) ownerCount() int {
	return int(atomic.LoadInt64(&flag.owners))
}

// ProxyStream is a bidirectional byte stream to a destination, transported
// over exactly one of five protocol variants: a direct TCP connection, or a
// SOCKS5, HTTP CONNECT, HTTPS CONNECT, or Shadowsocks proxy session. The
// variant set is closed; operations dispatch on the populated variant.
//
// All owners of one logical stream share a liveness flag and traffic
// counters. Shutdown marks the flag dead, after which every I/O operation
// on every owner fails with ErrStreamShutdown without touching the
// transport. Clone adds an owner; Release drops one, and the last Release
// closes the transport.
//
// ProxyStream implements net.Conn. Concurrent Read/Read or Write/Write from
// multiple tasks is a caller error; one concurrent reader with one writer
// is supported, matching split duplex relay usage.
type ProxyStream struct {
	released int32

	kind            streamKind
	directConn      net.Conn
	socksConn       net.Conn
	httpConn        net.Conn
	httpsConn       net.Conn
	shadowsocksConn *shadowsocksConn

	alive      *aliveFlag
	remoteAddr Address
	config     *ServerConfig
	traffic    *Traffic
}

// Connect establishes a ProxyStream to remoteAddr through the backend
// described by config, or directly when config is nil (or declares
// ProtocolDirect).
//
// In direct mode the destination itself is resolved with dns. Otherwise the
// backend address is resolved and the destination is carried in the backend
// protocol's handshake, to be resolved by the backend.
//
// Configuration errors, ProtocolHTTPS without a backend hostname and
// ProtocolShadowsocks without both method and key, are returned before any
// resolution or network I/O. DNS and handshake failures propagate; Connect
// performs no retries.
func Connect(
	ctx context.Context,
	remoteAddr Address,
	config *ServerConfig,
	dns DnsClient,
	dialConfig *DialConfig) (*ProxyStream, error) {

	if remoteAddr.IsZero() {
		return nil, errors.TraceNew("no destination address")
	}
	if dns == nil {
		return nil, errors.TraceNew("no DNS client")
	}

	// A config declaring ProtocolDirect is equivalent to no config.
	if config != nil && config.Protocol == ProtocolDirect {
		config = nil
	}

	if config == nil {

		socketAddr, err := dns.LookupAddress(ctx, remoteAddr)
		if err != nil {
			return nil, errors.Trace(err)
		}

		dialCtx, cancelFunc := context.WithTimeout(ctx, defaultDialTimeout)
		defer cancelFunc()

		conn, err := DialTCP(dialCtx, dialConfig, socketAddr)
		if err != nil {
			return nil, errors.Trace(err)
		}

		return newProxyStream(
			streamDirect, conn, nil, remoteAddr, nil), nil
	}

	// Field requirements are checked before the backend address is
	// resolved, so an invalid config fails without any network operation.

	backendAddr, err := config.Address()
	if err != nil {
		return nil, errors.Trace(
			configurationError(fmt.Sprintf("invalid backend addr: %v", err)))
	}

	switch config.Protocol {
	case ProtocolHTTPS:
		if backendAddr.Hostname() == "" {
			return nil, errors.Trace(
				configurationError("HTTPS proxy requires a hostname"))
		}
	case ProtocolShadowsocks:
		if config.Method == "" || config.Key == "" {
			return nil, errors.Trace(
				configurationError("Shadowsocks requires method and key"))
		}
	case ProtocolHTTP, ProtocolSocks5:
	default:
		return nil, errors.Trace(
			configurationError(
				fmt.Sprintf("unknown protocol: %s", config.Protocol)))
	}

	socketAddr, err := dns.LookupAddress(ctx, backendAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	dialCtx, cancelFunc := context.WithTimeout(ctx, config.DialTimeout())
	defer cancelFunc()

	switch config.Protocol {

	case ProtocolSocks5:
		conn, err := DialSocks5(dialCtx, dialConfig, socketAddr, remoteAddr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return newProxyStream(
			streamSocks5, conn, nil, remoteAddr, config), nil

	case ProtocolHTTP:
		conn, err := DialHTTPProxy(
			dialCtx, dialConfig, socketAddr,
			config.Username, config.Password, remoteAddr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return newProxyStream(
			streamHTTP, conn, nil, remoteAddr, config), nil

	case ProtocolHTTPS:
		conn, err := DialHTTPSProxy(
			dialCtx, dialConfig, socketAddr, backendAddr.Hostname(),
			config.Username, config.Password, remoteAddr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return newProxyStream(
			streamHTTPS, conn, nil, remoteAddr, config), nil

	case ProtocolShadowsocks:
		conn, err := DialShadowsocks(
			dialCtx, dialConfig, socketAddr,
			config.Method, config.Key, remoteAddr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return newProxyStream(
			streamShadowsocks, nil, conn, remoteAddr, config), nil
	}

	return nil, errors.Trace(
		configurationError(
			fmt.Sprintf("unknown protocol: %s", config.Protocol)))
}

func newProxyStream(
	kind streamKind,
	conn net.Conn,
	ssConn *shadowsocksConn,
	remoteAddr Address,
	config *ServerConfig) *ProxyStream {

	stream := &ProxyStream{
		kind:       kind,
		alive:      &aliveFlag{owners: 1},
		remoteAddr: remoteAddr,
		traffic:    NewTraffic(),
	}

	switch kind {
	case streamDirect:
		stream.directConn = conn
	case streamSocks5:
		stream.socksConn = conn
	case streamHTTP:
		stream.httpConn = conn
	case streamHTTPS:
		stream.httpsConn = conn
	case streamShadowsocks:
		stream.shadowsocksConn = ssConn
	}

	if config != nil {
		configCopy := *config
		stream.config = &configCopy
	}

	return stream
}

// transport returns the populated variant's conn.
func (stream *ProxyStream) transport() net.Conn {
	switch stream.kind {
	case streamDirect:
		return stream.directConn
	case streamSocks5:
		return stream.socksConn
	case streamHTTP:
		return stream.httpConn
	case streamHTTPS:
		return stream.httpsConn
	case streamShadowsocks:
		return stream.shadowsocksConn
	}
	return nil
}

// Protocol returns the populated transport variant's protocol kind.
func (stream *ProxyStream) Protocol() ServerProtocol {
	return stream.kind.protocol()
}

// IsAlive indicates whether the stream has not been shut down. The check is
// a best-effort guard: a concurrent Shutdown may not abort an in-flight
// operation, but all operations issued after Shutdown fail.
func (stream *ProxyStream) IsAlive() bool {
	return stream.alive.isAlive()
}

// IsClosed implements the common.Closer interface.
func (stream *ProxyStream) IsClosed() bool {
	return !stream.IsAlive()
}

// Shutdown marks the stream dead for all owners. Idempotent and safe to
// call concurrently with in-flight I/O; it never touches the transport.
func (stream *ProxyStream) Shutdown() {
	stream.alive.shutdown()
}

// Clone creates an additional owner of the stream, sharing the liveness
// flag, traffic counters, and transport. Clone must be called on a handle
// that has not been released.
func (stream *ProxyStream) Clone() *ProxyStream {
	stream.alive.addOwner()
	clone := *stream
	clone.released = 0
	return &clone
}

// Release drops this handle's ownership. The last Release shuts the stream
// down and closes the transport. Releasing the same handle twice has no
// effect.
func (stream *ProxyStream) Release() {
	if !atomic.CompareAndSwapInt32(&stream.released, 0, 1) {
		return
	}
	if stream.alive.dropOwner() == 0 {
		stream.alive.shutdown()
		_ = stream.transport().Close()
	}
}

// RefCount reports how many owners currently share the stream. The count is
// the pool's eviction signal; it reflects ownership at call time with no
// further synchronization guarantee.
func (stream *ProxyStream) RefCount() int {
	return stream.alive.ownerCount()
}

// Traffic returns the shared byte counters. The returned handle is live:
// it observes subsequent transfers.
func (stream *ProxyStream) Traffic() *Traffic {
	return stream.traffic
}

// Config returns the ServerConfig the stream was established with, or nil
// for a direct stream.
func (stream *ProxyStream) Config() *ServerConfig {
	return stream.config
}

// HasConfig indicates whether the stream was established with a config
// equal, by value, to the given config. A nil config matches a direct
// stream.
func (stream *ProxyStream) HasConfig(config *ServerConfig) bool {
	return stream.config.Equal(config)
}

// Destination returns the stream's original destination address.
func (stream *ProxyStream) Destination() Address {
	return stream.remoteAddr
}

// Read implements net.Conn. Completed transfers are added to the shared
// received counter; transport errors, including io.EOF, are returned
// unwrapped.
func (stream *ProxyStream) Read(b []byte) (int, error) {
	if !stream.alive.isAlive() {
		return 0, ErrStreamShutdown
	}
	n, err := stream.transport().Read(b)
	stream.traffic.recordReceived(int64(n))
	return n, err
}

// Write implements net.Conn. Completed transfers are added to the shared
// sent counter; transport errors are returned unwrapped.
func (stream *ProxyStream) Write(b []byte) (int, error) {
	if !stream.alive.isAlive() {
		return 0, ErrStreamShutdown
	}
	n, err := stream.transport().Write(b)
	stream.traffic.recordSent(int64(n))
	return n, err
}

// Flush forces out transport-buffered data. Only the Shadowsocks variant
// buffers; for the other variants Flush is a no-op. Flush performs no
// traffic accounting.
func (stream *ProxyStream) Flush() error {
	if !stream.alive.isAlive() {
		return ErrStreamShutdown
	}
	if flusher, ok := stream.transport().(common.Flusher); ok {
		return errors.Trace(flusher.Flush())
	}
	return nil
}

// CloseWrite sends any transport end-of-stream signal to the destination
// while leaving the read side open. Relays use it to propagate a client's
// half close.
func (stream *ProxyStream) CloseWrite() error {
	if !stream.alive.isAlive() {
		return ErrStreamShutdown
	}
	if stream.kind == streamShadowsocks {
		return errors.Trace(stream.shadowsocksConn.CloseWrite())
	}
	if closeWriter, ok := stream.transport().(common.CloseWriter); ok {
		return errors.Trace(closeWriter.CloseWrite())
	}
	return errors.TraceNew("transport is not a CloseWriter")
}

// Close closes the populated transport variant. Close performs no traffic
// accounting and, like every other operation, fails once the stream has
// been shut down; use Release to tear down a stream regardless of
// liveness.
func (stream *ProxyStream) Close() error {
	if !stream.alive.isAlive() {
		return ErrStreamShutdown
	}
	return errors.Trace(stream.transport().Close())
}

// LocalAddr implements net.Conn.
func (stream *ProxyStream) LocalAddr() net.Addr {
	return stream.transport().LocalAddr()
}

// RemoteAddr implements net.Conn, returning the stream's destination
// address, which is retained independently of the transport variant.
func (stream *ProxyStream) RemoteAddr() net.Addr {
	return stream.remoteAddr
}

// SetDeadline implements net.Conn.
func (stream *ProxyStream) SetDeadline(t time.Time) error {
	return stream.transport().SetDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (stream *ProxyStream) SetReadDeadline(t time.Time) error {
	return stream.transport().SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (stream *ProxyStream) SetWriteDeadline(t time.Time) error {
	return stream.transport().SetWriteDeadline(t)
}

// GetMetrics implements the common.MetricsSource interface.
func (stream *ProxyStream) GetMetrics() common.LogFields {
	fields := common.LogFields{
		"protocol":    string(stream.Protocol()),
		"remote_addr": stream.remoteAddr.String(),
	}
	fields.Add(stream.traffic.GetMetrics())
	return fields
}
