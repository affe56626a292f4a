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
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

const (
	exampleIPv4 = "93.184.216.34"
	exampleIPv6 = "2606:2800:220:1:248:1893:25c8:1946"
)

type testDNSServerParams struct {
	answerIPv4 net.IP
	answerIPv6 net.IP
	rcode      int
	silent     bool
}

// testDNSServer answers A and AAAA questions with fixed records, or
// misbehaves as configured.
type testDNSServer struct {
	params  *testDNSServerParams
	udpConn *net.UDPConn
	server  *dns.Server
}

func startTestDNSServer(
	t *testing.T, params *testDNSServerParams) *testDNSServer {

	udpConn, err := net.ListenUDP(
		"udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	server := &testDNSServer{
		params:  params,
		udpConn: udpConn,
	}
	server.server = &dns.Server{PacketConn: udpConn, Handler: server}
	go func() {
		_ = server.server.ActivateAndServe()
	}()
	return server
}

func (server *testDNSServer) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {

	if server.params.silent {
		return
	}

	if server.params.rcode != dns.RcodeSuccess {
		m := new(dns.Msg)
		m.SetRcode(r, server.params.rcode)
		_ = w.WriteMsg(m)
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)

	question := r.Question[0]
	switch question.Qtype {
	case dns.TypeA:
		if server.params.answerIPv4 != nil {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   question.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    60,
				},
				A: server.params.answerIPv4,
			})
		}
	case dns.TypeAAAA:
		if server.params.answerIPv6 != nil {
			m.Answer = append(m.Answer, &dns.AAAA{
				Hdr: dns.RR_Header{
					Name:   question.Name,
					Rrtype: dns.TypeAAAA,
					Class:  dns.ClassINET,
					Ttl:    60,
				},
				AAAA: server.params.answerIPv6,
			})
		}
	}

	_ = w.WriteMsg(m)
}

func (server *testDNSServer) addr() string {
	return server.udpConn.LocalAddr().String()
}

func (server *testDNSServer) stop() {
	_ = server.udpConn.Close()
	_ = server.server.Shutdown()
}

func TestResolverLookup(t *testing.T) {

	server := startTestDNSServer(
		t, &testDNSServerParams{answerIPv4: net.ParseIP(exampleIPv4)})
	defer server.stop()

	resolver, err := NewResolver(&ResolverConfig{
		Servers: []string{server.addr()},
	})
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	address, err := NewHostPortAddress("www.example.test", 443)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	addrPort, err := resolver.LookupAddress(context.Background(), address)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if addrPort.Addr() != netip.MustParseAddr(exampleIPv4) ||
		addrPort.Port() != 443 {
		t.Fatalf("unexpected answer: %s", addrPort)
	}

	// The second lookup is served from the cache.
	addrPort, err = resolver.LookupAddress(context.Background(), address)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if addrPort.Addr() != netip.MustParseAddr(exampleIPv4) {
		t.Fatalf("unexpected answer: %s", addrPort)
	}

	metrics := resolver.GetMetrics()
	if metrics["resolver_requests"].(int64) != 2 {
		t.Fatalf("unexpected requests: %v", metrics["resolver_requests"])
	}
	if metrics["resolver_cache_hits"].(int64) != 1 {
		t.Fatalf("unexpected cache hits: %v", metrics["resolver_cache_hits"])
	}

	// Flushing the cache forces the next lookup back to the server.
	resolver.FlushCache()
	_, err = resolver.LookupAddress(context.Background(), address)
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	metrics = resolver.GetMetrics()
	if metrics["resolver_requests"].(int64) != 3 {
		t.Fatalf("unexpected requests: %v", metrics["resolver_requests"])
	}
	if metrics["resolver_cache_hits"].(int64) != 1 {
		t.Fatalf("unexpected cache hits: %v", metrics["resolver_cache_hits"])
	}
}

func TestResolverIPLiterals(t *testing.T) {

	// No DNS server is listening; literals must not query.
	resolver, err := NewResolver(&ResolverConfig{
		Servers: []string{"127.0.0.1"},
	})
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	addrPort, err := resolver.LookupAddress(
		context.Background(), mustParseAddress(t, exampleIPv4+":443"))
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if addrPort.String() != exampleIPv4+":443" {
		t.Fatalf("unexpected answer: %s", addrPort)
	}

	addrPort, err = resolver.LookupAddress(
		context.Background(), mustParseAddress(t, "["+exampleIPv6+"]:8443"))
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if addrPort.Addr() != netip.MustParseAddr(exampleIPv6) ||
		addrPort.Port() != 8443 {
		t.Fatalf("unexpected answer: %s", addrPort)
	}

	if metrics := resolver.GetMetrics(); metrics["resolver_requests"].(int64) != 0 {
		t.Fatalf("unexpected requests: %v", metrics["resolver_requests"])
	}

	_, err = resolver.LookupAddress(context.Background(), Address{})
	if err == nil {
		t.Fatal("expected error for zero address")
	}
}

func TestResolverRejectsInvalidAnswers(t *testing.T) {

	testCases := []struct {
		name   string
		params *testDNSServerParams
	}{
		{
			// A loopback answer for a tunneled destination is never
			// legitimate.
			"bogon answer",
			&testDNSServerParams{answerIPv4: net.ParseIP("127.0.0.1")},
		},
		{
			"name error",
			&testDNSServerParams{rcode: dns.RcodeNameError},
		},
		{
			"empty answer",
			&testDNSServerParams{},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {

			server := startTestDNSServer(t, testCase.params)
			defer server.stop()

			resolver, err := NewResolver(&ResolverConfig{
				Servers:        []string{server.addr()},
				RequestTimeout: 300 * time.Millisecond,
			})
			if err != nil {
				t.Fatal(errors.Trace(err).Error())
			}

			_, err = resolver.LookupAddress(
				context.Background(),
				mustParseAddress(t, "www.example.test:443"))
			if err == nil {
				t.Fatal("expected lookup failure")
			}
		})
	}
}

func TestResolverPrefersIPv4(t *testing.T) {

	server := startTestDNSServer(t, &testDNSServerParams{
		answerIPv4: net.ParseIP(exampleIPv4),
		answerIPv6: net.ParseIP(exampleIPv6),
	})
	defer server.stop()

	resolver, err := NewResolver(&ResolverConfig{
		Servers:     []string{server.addr()},
		IncludeAAAA: true,
	})
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	addrPort, err := resolver.LookupAddress(
		context.Background(), mustParseAddress(t, "www.example.test:443"))
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if addrPort.Addr() != netip.MustParseAddr(exampleIPv4) {
		t.Fatalf("unexpected answer: %s", addrPort)
	}
}

func TestResolverIPv6Only(t *testing.T) {

	server := startTestDNSServer(t, &testDNSServerParams{
		answerIPv6: net.ParseIP(exampleIPv6),
	})
	defer server.stop()

	resolver, err := NewResolver(&ResolverConfig{
		Servers:        []string{server.addr()},
		RequestTimeout: 500 * time.Millisecond,
		IncludeAAAA:    true,
	})
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	addrPort, err := resolver.LookupAddress(
		context.Background(), mustParseAddress(t, "www.example.test:443"))
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if addrPort.Addr() != netip.MustParseAddr(exampleIPv6) {
		t.Fatalf("unexpected answer: %s", addrPort)
	}
}

func TestResolverFailover(t *testing.T) {

	silentServer := startTestDNSServer(
		t, &testDNSServerParams{silent: true})
	defer silentServer.stop()

	goodServer := startTestDNSServer(
		t, &testDNSServerParams{answerIPv4: net.ParseIP(exampleIPv4)})
	defer goodServer.stop()

	resolver, err := NewResolver(&ResolverConfig{
		Servers:        []string{silentServer.addr(), goodServer.addr()},
		RequestTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}

	addrPort, err := resolver.LookupAddress(
		context.Background(), mustParseAddress(t, "www.example.test:443"))
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if addrPort.Addr() != netip.MustParseAddr(exampleIPv4) {
		t.Fatalf("unexpected answer: %s", addrPort)
	}
}

func TestNewResolverValidatesServers(t *testing.T) {

	_, err := NewResolver(&ResolverConfig{})
	if err == nil {
		t.Fatal("expected error for empty server list")
	}

	_, err = NewResolver(&ResolverConfig{
		Servers: []string{"dns.example.test"},
	})
	if err == nil {
		t.Fatal("expected error for non-IP server")
	}

	// Bare IPs get the standard DNS port appended.
	resolver, err := NewResolver(&ResolverConfig{
		Servers: []string{"192.0.2.1", "192.0.2.2:5353"},
	})
	if err != nil {
		t.Fatal(errors.Trace(err).Error())
	}
	if resolver.servers[0] != "192.0.2.1:53" ||
		resolver.servers[1] != "192.0.2.2:5353" {
		t.Fatalf("unexpected servers: %v", resolver.servers)
	}
}
