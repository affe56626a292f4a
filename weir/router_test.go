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
	"net/netip"
	"testing"

	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

func TestStreamRouterRoute(t *testing.T) {

	servers := []*ServerConfig{
		{Name: "pinned", Protocol: ProtocolSocks5, Addr: "192.0.2.1:1080"},
		{Name: "primary", Protocol: ProtocolSocks5, Addr: "192.0.2.2:1080"},
	}

	rules, err := NewRuleSet(
		[]RoutingRule{
			{Match: "*.internal", Action: RouteDirect},
			{Match: "*.blocked.test", Action: RouteBlock},
			{Match: "pinned.test", Action: RouteProxy, Server: "pinned"},
			{Match: "ghost.test", Action: RouteProxy, Server: "ghost"},
		},
		RouteProxy)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	chooser, err := NewServerChooser(servers[1:], nil)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	router := &StreamRouter{
		DnsClient: newTestDnsClient(),
		Servers:   servers,
		Chooser:   chooser,
		Rules:     rules,
	}

	route := func(host string) (RouteAction, *ServerConfig) {
		destination, err := NewHostPortAddress(host, 443)
		if err != nil {
			t.Fatal(errors.Trace(err).Error())
		}
		return router.Route(destination)
	}

	if action, config := route("host.internal"); action != RouteDirect ||
		config != nil {
		t.Fatalf("unexpected route: %s %v", action, config)
	}
	if action, config := route("ads.blocked.test"); action != RouteBlock ||
		config != nil {
		t.Fatalf("unexpected route: %s %v", action, config)
	}

	// A rule pinned to a named backend selects that backend directly.
	if action, config := route("pinned.test"); action != RouteProxy ||
		config != servers[0] {
		t.Fatalf("unexpected route: %s %v", action, config)
	}

	// A rule naming an unknown backend falls back to the chooser.
	if action, config := route("ghost.test"); action != RouteProxy ||
		config != servers[1] {
		t.Fatalf("unexpected route: %s %v", action, config)
	}

	// The default action applies to unmatched destinations.
	if action, config := route("other.test"); action != RouteProxy ||
		config != servers[1] {
		t.Fatalf("unexpected route: %s %v", action, config)
	}

	// Without rules every destination is proxied; without a chooser,
	// proxied destinations go direct.
	bare := &StreamRouter{DnsClient: newTestDnsClient()}
	if action, config := bare.Route(mustParseAddress(t, "192.0.2.9:443")); action != RouteProxy ||
		config != nil {
		t.Fatalf("unexpected route: %s %v", action, config)
	}
}

func mustParseAddress(t *testing.T, address string) Address {
	parsed, err := ParseAddress(address)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	return parsed
}

func TestStreamRouterConnect(t *testing.T) {

	echo := startEchoServer(t)
	defer echo.stop()

	hosts := map[string]string{"direct.test.weir": echo.addr()}

	socksServer := startTestSocksServer(t, hosts)
	defer socksServer.stop()

	resolver := newTestDnsClient()
	resolver.hosts["direct.test.weir"] = netip.MustParseAddr("127.0.0.1")

	echoAddress := mustParseAddress(t, echo.addr())

	rules, err := NewRuleSet(
		[]RoutingRule{
			{Match: "*.blocked.test", Action: RouteBlock},
			{Match: "direct.test.weir", Action: RouteDirect},
		},
		RouteProxy)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	servers := []*ServerConfig{
		{Name: "good", Protocol: ProtocolSocks5, Addr: socksServer.addr()},
	}
	chooser, err := NewServerChooser(servers, nil)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	pool := NewStreamPool(0, nil)
	defer pool.Flush()

	router := &StreamRouter{
		DnsClient: resolver,
		Servers:   servers,
		Chooser:   chooser,
		Rules:     rules,
		Pool:      pool,
	}

	// A blocked destination yields no stream and no error, before any
	// resolution.
	blocked, err := NewHostPortAddress("ads.blocked.test", 443)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	stream, action, err := router.Connect(context.Background(), blocked)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if stream != nil || action != RouteBlock {
		t.Fatalf("unexpected connect: %v %s", stream, action)
	}
	if resolver.lookups() != 0 {
		t.Fatalf("unexpected lookups: %d", resolver.lookups())
	}

	// The default action proxies through the chooser's backend.
	stream, action, err = router.Connect(context.Background(), echoAddress)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if action != RouteProxy || stream.Config().Name != "good" {
		t.Fatalf("unexpected connect: %s %v", action, stream.Config())
	}
	err = exerciseStream(stream)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	// A parked stream is reused before a new one is established.
	if !pool.Put(stream) {
		t.Fatal("expected put to succeed")
	}
	reused, action, err := router.Connect(context.Background(), echoAddress)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if action != RouteProxy || reused != stream {
		t.Fatal("expected pooled stream back")
	}
	reused.Shutdown()
	reused.Release()

	// A direct rule bypasses the backend.
	direct, err := NewHostPortAddress(
		"direct.test.weir", echoAddress.Port())
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	stream, action, err = router.Connect(context.Background(), direct)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if action != RouteDirect || stream.Config() != nil {
		t.Fatalf("unexpected connect: %s %v", action, stream.Config())
	}
	err = exerciseStream(stream)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	stream.Shutdown()
	stream.Release()
}

func TestStreamRouterFailover(t *testing.T) {

	echo := startEchoServer(t)
	defer echo.stop()

	socksServer := startTestSocksServer(t, nil)
	defer socksServer.stop()

	resolver := newTestDnsClient()

	echoAddress := mustParseAddress(t, echo.addr())

	servers := []*ServerConfig{
		{Name: "bad", Protocol: ProtocolSocks5, Addr: "127.0.0.1:1"},
		{Name: "good", Protocol: ProtocolSocks5, Addr: socksServer.addr()},
	}
	chooser, err := NewServerChooser(servers, nil)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	router := &StreamRouter{
		DnsClient: resolver,
		Servers:   servers,
		Chooser:   chooser,
	}

	// The first attempt selects the unreachable backend; the failure is
	// reported and selection rotates.
	_, _, err = router.Connect(context.Background(), echoAddress)
	if err == nil {
		t.Fatal("expected connect failure")
	}

	stream, action, err := router.Connect(context.Background(), echoAddress)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if action != RouteProxy || stream.Config().Name != "good" {
		t.Fatalf("unexpected connect: %s %v", action, stream.Config())
	}
	err = exerciseStream(stream)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	stream.Shutdown()
	stream.Release()
}
