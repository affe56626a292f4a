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

	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
	"golang.org/x/sync/errgroup"
)

const (
	relayMTU           = 1500
	relayUDPTimeout    = 30 * time.Second
	udpRelayBufferSize = 65536
	portDNS            = 53
)

// TCPSocket is a TCP virtual socket accepted from a NetStack: the byte
// stream of one tunneled TCP connection, retaining the destination address
// the tunneled application dialed.
type TCPSocket interface {
	io.ReadWriteCloser

	// CloseWrite half closes the socket toward the tunneled application.
	CloseWrite() error

	// RemoteAddr returns the tunneled connection's original destination.
	RemoteAddr() Address
}

// UDPSocket is a UDP virtual socket accepted from a NetStack. The relay
// treats it as a single datagram exchange: one read, one write back.
type UDPSocket interface {

	// ReadPacket reads one datagram sent by the tunneled application.
	ReadPacket(b []byte) (int, error)

	// WritePacket writes one datagram back to the tunneled application.
	WritePacket(b []byte) (int, error)

	Close() error

	// RemoteAddr returns the datagram's original destination.
	RemoteAddr() Address
}

// VirtualSocket is one socket accepted from a NetStack. Exactly one of TCP
// or UDP is non-nil.
type VirtualSocket struct {
	TCP TCPSocket
	UDP UDPSocket
}

// NetStack is a user-space network stack terminating tunneled flows, such
// as one fed by a tun device. Accept and ReadPacket block; Close unblocks
// both.
type NetStack interface {

	// Accept returns the next virtual socket opened by a tunneled
	// application.
	Accept() (VirtualSocket, error)

	// ReadPacket reads the next stack-emitted packet, to be delivered to
	// the packet writer.
	ReadPacket(b []byte) (int, error)

	Close() error
}

// PacketWriter receives packets drained from the network stack, typically
// a tun device.
type PacketWriter interface {
	WritePacket(b []byte) (int, error)
}

// RelayConfig specifies the configuration for a Relay.
type RelayConfig struct {

	// Logger is required.
	Logger common.Logger

	// Stack is the network stack to accept virtual sockets from. Required.
	Stack NetStack

	// PacketWriter receives stack-emitted packets. Required.
	PacketWriter PacketWriter

	// Router establishes streams for relayed sockets. Required.
	Router *StreamRouter

	// MTU is the packet pump buffer size. 0 selects the default of 1500.
	MTU int

	// UDPTimeout bounds one UDP round trip. 0 selects the default of 30s.
	UDPTimeout time.Duration
}

func (config *RelayConfig) mtu() int {
	if config.MTU <= 0 {
		return relayMTU
	}
	return config.MTU
}

func (config *RelayConfig) udpTimeout() time.Duration {
	if config.UDPTimeout <= 0 {
		return relayUDPTimeout
	}
	return config.UDPTimeout
}

// Relay accepts virtual sockets from a network stack and relays each to
// its destination: TCP sockets get a bidirectional copy over a
// ProxyStream, UDP sockets get a single direct round trip. A background
// pump drains stack-emitted packets to the packet writer.
//
// Each accepted socket is relayed by its own task; a failed relay is
// logged and dropped without affecting other relays or the accept loop.
type Relay struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	tcpRelayCount int64
	udpRelayCount int64
	blockedCount  int64
	failedCount   int64

	config      *RelayConfig
	runContext  context.Context
	stopRunning context.CancelFunc
	workers     *sync.WaitGroup
	conns       *common.Conns
	stopOnce    sync.Once
}

// NewRelay initializes a Relay with the specified configuration.
func NewRelay(config *RelayConfig) (*Relay, error) {

	if config.Logger == nil {
		return nil, errors.TraceNew("missing logger")
	}
	if config.Stack == nil {
		return nil, errors.TraceNew("missing network stack")
	}
	if config.PacketWriter == nil {
		return nil, errors.TraceNew("missing packet writer")
	}
	if config.Router == nil || config.Router.DnsClient == nil {
		return nil, errors.TraceNew("missing stream router")
	}

	runContext, stopRunning := context.WithCancel(context.Background())

	return &Relay{
		config:      config,
		runContext:  runContext,
		stopRunning: stopRunning,
		workers:     new(sync.WaitGroup),
		conns:       common.NewConns(),
	}, nil
}

// Start launches the accept loop and the packet pump.
func (relay *Relay) Start() {
	relay.workers.Add(1)
	go relay.pumpPackets()
	relay.workers.Add(1)
	go relay.acceptSockets()
}

// Stop halts the relay: the stack is closed, unblocking the accept loop
// and pump, all relayed connections are closed, and all workers are
// awaited. Stop is idempotent.
func (relay *Relay) Stop() {
	relay.stopOnce.Do(func() {
		relay.stopRunning()
		_ = relay.config.Stack.Close()
		relay.conns.CloseAll()
		relay.workers.Wait()
	})
}

// pumpPackets drains stack-emitted packets to the packet writer.
func (relay *Relay) pumpPackets() {
	defer relay.workers.Done()

	buffer := make([]byte, relay.config.mtu())

	for {
		n, err := relay.config.Stack.ReadPacket(buffer)

		select {
		case <-relay.runContext.Done():
			return
		default:
		}

		if err != nil {
			relay.config.Logger.WithTraceFields(common.LogFields{
				"error": err.Error(),
			}).Warning("read packet failed")
			return
		}

		if n == 0 {
			continue
		}

		_, err = relay.config.PacketWriter.WritePacket(buffer[:n])
		if err != nil {
			relay.config.Logger.WithTraceFields(common.LogFields{
				"error": err.Error(),
			}).Warning("write packet failed")
			return
		}
	}
}

// acceptSockets dispatches each accepted virtual socket to its own relay
// task.
func (relay *Relay) acceptSockets() {
	defer relay.workers.Done()

	for {
		socket, err := relay.config.Stack.Accept()

		select {
		case <-relay.runContext.Done():
			return
		default:
		}

		if err != nil {
			relay.config.Logger.WithTraceFields(common.LogFields{
				"error": err.Error(),
			}).Warning("accept failed")
			return
		}

		relay.workers.Add(1)
		go func(socket VirtualSocket) {
			defer relay.workers.Done()

			var destination Address
			var err error
			switch {
			case socket.TCP != nil:
				destination = socket.TCP.RemoteAddr()
				err = relay.relayTCP(socket.TCP)
			case socket.UDP != nil:
				destination = socket.UDP.RemoteAddr()
				err = relay.relayUDP(socket.UDP)
			default:
				err = errors.TraceNew("empty virtual socket")
			}

			// Relay errors are isolated: log and drop the socket.
			if err != nil {
				atomic.AddInt64(&relay.failedCount, 1)
				relay.config.Logger.WithTraceFields(common.LogFields{
					"remote_addr": destination.String(),
					"error":       err.Error(),
				}).Warning("relay failed")
			}
		}(socket)
	}
}

// relayTCP establishes a ProxyStream to the socket's destination and
// copies both directions until each side half closes or fails. The first
// failed direction tears the stream down, unblocking the other.
func (relay *Relay) relayTCP(socket TCPSocket) error {
	defer socket.Close()

	destination := socket.RemoteAddr()
	startTime := time.Now()

	stream, action, err := relay.config.Router.Connect(
		relay.runContext, destination)
	if err != nil {
		return errors.Trace(err)
	}
	if action == RouteBlock {
		atomic.AddInt64(&relay.blockedCount, 1)
		relay.config.Logger.WithTraceFields(common.LogFields{
			"remote_addr": destination.String(),
		}).Debug("destination blocked")
		return nil
	}

	if !relay.conns.Add(stream) {
		stream.Shutdown()
		stream.Release()
		return errors.TraceNew("relay is stopped")
	}
	defer func() {
		relay.conns.Remove(stream)
		stream.Shutdown()
		stream.Release()
	}()

	relayGroup := new(errgroup.Group)

	relayGroup.Go(func() error {
		_, err := io.Copy(stream, socket)
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
		_, err := io.Copy(socket, stream)
		if err == nil {
			err = socket.CloseWrite()
		}
		if err != nil {
			_ = socket.Close()
		}
		return err
	})

	err = relayGroup.Wait()

	atomic.AddInt64(&relay.tcpRelayCount, 1)

	logFields := common.LogFields{
		"remote_addr": destination.String(),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}
	if config := stream.Config(); config != nil {
		logFields["server"] = config.Name
	}
	logFields.Add(stream.Traffic().GetMetrics())
	relay.config.Logger.LogMetric("tcp_relay", logFields)

	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// relayUDP performs one datagram round trip: the socket's datagram is
// forwarded to the destination from a fresh local UDP socket and the first
// reply is copied back. No flow state is retained; a follow-up datagram
// from the tunneled application arrives as a new virtual socket.
//
// UDP is always relayed directly; the backend protocols carry TCP streams
// only. Blocked destinations are dropped.
func (relay *Relay) relayUDP(socket UDPSocket) error {
	defer socket.Close()

	destination := socket.RemoteAddr()

	if action, _ := relay.config.Router.Route(destination); action == RouteBlock {
		atomic.AddInt64(&relay.blockedCount, 1)
		relay.config.Logger.WithTraceFields(common.LogFields{
			"remote_addr": destination.String(),
		}).Debug("destination blocked")
		return nil
	}

	buffer := make([]byte, udpRelayBufferSize)
	n, err := socket.ReadPacket(buffer)
	if err != nil {
		return errors.Trace(err)
	}
	packet := buffer[:n]

	if destination.Port() == portDNS {
		if question, err := common.ParseDNSQuestion(packet); err == nil {
			relay.config.Logger.WithTraceFields(common.LogFields{
				"question": question,
			}).Debug("relaying DNS query")
		}
	}

	socketAddr, err := relay.config.Router.DnsClient.LookupAddress(
		relay.runContext, destination)
	if err != nil {
		return errors.Trace(err)
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(
		relay.runContext, "udp", socketAddr.String())
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	if !relay.conns.Add(conn) {
		return errors.TraceNew("relay is stopped")
	}
	defer relay.conns.Remove(conn)

	err = conn.SetDeadline(time.Now().Add(relay.config.udpTimeout()))
	if err != nil {
		return errors.Trace(err)
	}

	_, err = conn.Write(packet)
	if err != nil {
		return errors.Trace(err)
	}

	n, err = conn.Read(buffer)
	if err != nil {
		return errors.Trace(err)
	}

	_, err = socket.WritePacket(buffer[:n])
	if err != nil {
		return errors.Trace(err)
	}

	atomic.AddInt64(&relay.udpRelayCount, 1)
	return nil
}

// GetMetrics implements the common.MetricsSource interface.
func (relay *Relay) GetMetrics() common.LogFields {
	return common.LogFields{
		"tcp_relays":      atomic.LoadInt64(&relay.tcpRelayCount),
		"udp_relays":      atomic.LoadInt64(&relay.udpRelayCount),
		"blocked_sockets": atomic.LoadInt64(&relay.blockedCount),
		"failed_relays":   atomic.LoadInt64(&relay.failedCount),
	}
}
