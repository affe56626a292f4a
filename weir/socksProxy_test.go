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
	"io"
	"net"
	"net/netip"
	"strconv"
	"testing"

	socks5 "github.com/txthinking/socks5"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
	"github.com/weir-net/weir-tunnel-core/weir/logging"
	xproxy "golang.org/x/net/proxy"
)

func startLocalSocksProxy(
	t *testing.T, router *StreamRouter) *LocalSocksProxy {

	proxy, err := NewLocalSocksProxy(&LocalSocksProxyConfig{
		Logger:        logging.DiscardLogger,
		ListenAddress: "127.0.0.1:0",
		Router:        router,
	})
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	return proxy
}

func exerciseSocksConn(dialer xproxy.Dialer, address string) error {

	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	if err != nil {
		return errors.Trace(err)
	}
	response := make([]byte, 4)
	_, err = io.ReadFull(conn, response)
	if err != nil {
		return errors.Trace(err)
	}
	if string(response) != "ping" {
		return errors.Tracef("unexpected response: %s", response)
	}
	return nil
}

func TestLocalSocksProxy(t *testing.T) {

	echo := startEchoServer(t)
	defer echo.stop()

	resolver := newTestDnsClient()
	resolver.hosts["echo.test.weir"] = netip.MustParseAddr("127.0.0.1")

	proxy := startLocalSocksProxy(t, &StreamRouter{DnsClient: resolver})
	defer proxy.Close()

	dialer, err := xproxy.SOCKS5(
		"tcp", proxy.Addr().String(), nil, xproxy.Direct)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	err = exerciseSocksConn(dialer, echo.addr())
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	// Hostname destinations resolve through the router's DNS client.
	echoAddress := mustParseAddress(t, echo.addr())
	err = exerciseSocksConn(
		dialer,
		net.JoinHostPort(
			"echo.test.weir", strconv.Itoa(int(echoAddress.Port()))))
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	err = waitForMetric(proxy, "socks_relays", 2)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	// Close is idempotent.
	proxy.Close()
	proxy.Close()
}

func TestLocalSocksProxyChained(t *testing.T) {

	echo := startEchoServer(t)
	defer echo.stop()

	hosts := map[string]string{"echo.test.weir": echo.addr()}

	socksServer := startTestSocksServer(t, hosts)
	defer socksServer.stop()

	// The destination hostname is only known to the backend; reaching the
	// echo server proves the connection chained through it.
	resolver := newTestDnsClient()

	servers := []*ServerConfig{
		{Name: "socks-backend", Protocol: ProtocolSocks5, Addr: socksServer.addr()},
	}
	chooser, err := NewServerChooser(servers, nil)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	proxy := startLocalSocksProxy(t, &StreamRouter{
		DnsClient: resolver,
		Servers:   servers,
		Chooser:   chooser,
	})
	defer proxy.Close()

	dialer, err := xproxy.SOCKS5(
		"tcp", proxy.Addr().String(), nil, xproxy.Direct)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	echoAddress := mustParseAddress(t, echo.addr())
	err = exerciseSocksConn(
		dialer,
		net.JoinHostPort(
			"echo.test.weir", strconv.Itoa(int(echoAddress.Port()))))
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	err = waitForMetric(proxy, "socks_relays", 1)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
}

func TestLocalSocksProxyBlocksDestinations(t *testing.T) {

	resolver := newTestDnsClient()

	rules, err := NewRuleSet(
		[]RoutingRule{{Match: "*.blocked.test", Action: RouteBlock}},
		RouteDirect)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	proxy := startLocalSocksProxy(
		t, &StreamRouter{DnsClient: resolver, Rules: rules})
	defer proxy.Close()

	dialer, err := xproxy.SOCKS5(
		"tcp", proxy.Addr().String(), nil, xproxy.Direct)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	_, err = dialer.Dial("tcp", "ads.blocked.test:443")
	if err == nil {
		t.Fatal("expected dial to be refused")
	}

	err = waitForMetric(proxy, "socks_blocked", 1)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	// Blocked destinations are refused before any resolution.
	if resolver.lookups() != 0 {
		t.Fatalf("unexpected lookups: %d", resolver.lookups())
	}
}

func TestLocalSocksProxyRefusesUDPAssociate(t *testing.T) {

	resolver := newTestDnsClient()

	proxy := startLocalSocksProxy(t, &StreamRouter{DnsClient: resolver})
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Addr().String())
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	defer conn.Close()

	_, err = socks5.NewNegotiationRequest(
		[]byte{socks5.MethodNone}).WriteTo(conn)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	_, err = socks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	_, err = socks5.NewRequest(
		socks5.CmdUDP, socks5.ATYPIPv4,
		[]byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x35}).WriteTo(conn)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	reply, err := socks5.NewReplyFrom(conn)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if reply.Rep != socks5.RepCommandNotSupported {
		t.Fatalf("unexpected reply: %d", reply.Rep)
	}
}

func TestNewLocalSocksProxyValidatesConfig(t *testing.T) {

	router := &StreamRouter{DnsClient: newTestDnsClient()}

	_, err := NewLocalSocksProxy(&LocalSocksProxyConfig{
		ListenAddress: "127.0.0.1:0",
		Router:        router,
	})
	if err == nil {
		t.Fatal("expected error for missing logger")
	}

	_, err = NewLocalSocksProxy(&LocalSocksProxyConfig{
		Logger: logging.DiscardLogger,
		Router: router,
	})
	if err == nil {
		t.Fatal("expected error for missing listen address")
	}

	_, err = NewLocalSocksProxy(&LocalSocksProxyConfig{
		Logger:        logging.DiscardLogger,
		ListenAddress: "127.0.0.1:0",
	})
	if err == nil {
		t.Fatal("expected error for missing router")
	}
}
