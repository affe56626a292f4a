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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

const testConfigYAML = `
servers:
  - name: primary
    protocol: socks5
    addr: 192.0.2.1:1080
  - name: fallback
    protocol: shadowsocks
    addr: 192.0.2.2:8388
    method: chacha20-ietf-poly1305
    key: fallback-secret
    timeout_seconds: 10
  - name: corp
    protocol: https
    addr: proxy.corp.test:8443
    username: user
    password: pass
rules:
  - match: "*.internal.test"
    action: direct
  - match: "*.blocked.test"
    action: block
  - match: "pinned.test"
    action: proxy
    server: corp
default_action: proxy
local_socks_address: 127.0.0.1:1080
dns_servers:
  - 192.0.2.53
  - 192.0.2.54:5353
read_bytes_per_second: 131072
write_bytes_per_second: 65536
probe_timeout_seconds: 5
log_level: debug
log_format: json
`

func (suite *ConfigTestSuite) Test_LoadConfig() {

	config, err := LoadConfig([]byte(testConfigYAML))
	suite.Nil(err, "error should not be set")
	suite.Len(config.Servers, 3, "unexpected server count")

	suite.Equal("primary", config.Servers[0].Name, "unexpected server name")
	suite.Equal(
		ProtocolSocks5, config.Servers[0].Protocol, "unexpected protocol")
	suite.Equal(
		"chacha20-ietf-poly1305", config.Servers[1].Method,
		"unexpected method")
	suite.Equal("fallback-secret", config.Servers[1].Key, "unexpected key")
	suite.Equal("user", config.Servers[2].Username, "unexpected username")

	suite.Equal(
		10*time.Second, config.Servers[1].DialTimeout(),
		"unexpected dial timeout")
	suite.Equal(
		30*time.Second, config.Servers[0].DialTimeout(),
		"unexpected default dial timeout")

	suite.Equal(
		"127.0.0.1:1080", config.LocalSocksAddress,
		"unexpected local SOCKS address")
	suite.Equal(
		[]string{"192.0.2.53", "192.0.2.54:5353"}, config.DNSServers,
		"unexpected DNS servers")

	limits := config.RateLimits()
	suite.Equal(
		int64(131072), limits.ReadBytesPerSecond, "unexpected read limit")
	suite.Equal(
		int64(65536), limits.WriteBytesPerSecond, "unexpected write limit")

	address, err := config.Servers[2].Address()
	suite.Nil(err, "error should not be set")
	suite.Equal(
		"proxy.corp.test", address.Hostname(), "unexpected backend hostname")

	_, err = LoadConfig([]byte("servers: ["))
	suite.NotNil(err, "expected malformed YAML error")
}

func (suite *ConfigTestSuite) Test_LoadConfigFile() {

	fileName := filepath.Join(suite.T().TempDir(), "weir.yaml")
	err := os.WriteFile(fileName, []byte(testConfigYAML), 0600)
	suite.Nil(err, "error should not be set")

	config, err := LoadConfigFile(fileName)
	suite.Nil(err, "error should not be set")
	suite.Equal("primary", config.Servers[0].Name, "unexpected server name")

	_, err = LoadConfigFile(filepath.Join(suite.T().TempDir(), "missing.yaml"))
	suite.NotNil(err, "expected missing file error")
}

func (suite *ConfigTestSuite) Test_RuleRouting() {

	config, err := LoadConfig([]byte(testConfigYAML))
	suite.Nil(err, "error should not be set")

	rules, err := NewRuleSet(config.Rules, config.DefaultAction)
	suite.Nil(err, "error should not be set")

	route := func(host string) (RouteAction, string) {
		address, err := NewHostPortAddress(host, 443)
		suite.Nil(err, "error should not be set")
		return rules.Route(address)
	}

	action, server := route("db.internal.test")
	suite.Equal(RouteDirect, action, "unexpected action")
	suite.Equal("", server, "unexpected server")

	action, _ = route("ads.blocked.test")
	suite.Equal(RouteBlock, action, "unexpected action")

	action, server = route("pinned.test")
	suite.Equal(RouteProxy, action, "unexpected action")
	suite.Equal("corp", server, "unexpected server")

	action, server = route("unmatched.test")
	suite.Equal(RouteProxy, action, "unexpected default action")
	suite.Equal("", server, "unexpected server")

	// A nil rule set proxies everything.
	var nilRules *RuleSet
	address, err := NewHostPortAddress("anything.test", 443)
	suite.Nil(err, "error should not be set")
	action, server = nilRules.Route(address)
	suite.Equal(RouteProxy, action, "unexpected action")
	suite.Equal("", server, "unexpected server")
}

func (suite *ConfigTestSuite) Test_ServerByName() {

	config, err := LoadConfig([]byte(testConfigYAML))
	suite.Nil(err, "error should not be set")

	server := config.ServerByName("corp")
	suite.NotNil(server, "server should be found")
	suite.Equal(ProtocolHTTPS, server.Protocol, "unexpected protocol")

	suite.Nil(config.ServerByName("absent"), "server should not be found")
}

func (suite *ConfigTestSuite) Test_ServerConfigEqual() {

	first := &ServerConfig{
		Name:     "a",
		Protocol: ProtocolSocks5,
		Addr:     "192.0.2.1:1080",
	}
	second := *first

	suite.True(first.Equal(&second), "configs should be equal")

	second.Password = "changed"
	suite.False(first.Equal(&second), "configs should not be equal")

	var nilConfig *ServerConfig
	suite.True(nilConfig.Equal(nil), "nil configs should be equal")
	suite.False(first.Equal(nil), "nil should not equal non-nil")
}

func (suite *ConfigTestSuite) Test_Validate() {

	empty := &ClientConfig{}
	suite.Nil(empty.Validate(), "empty config should validate")

	directServer := &ClientConfig{
		Servers: []ServerConfig{{Name: "local", Protocol: ProtocolDirect}},
	}
	suite.Nil(
		directServer.Validate(), "direct server needs no addr")

	invalidProtocol := &ClientConfig{
		Servers: []ServerConfig{
			{Name: "x", Protocol: "ftp", Addr: "192.0.2.1:21"},
		},
	}
	suite.NotNil(invalidProtocol.Validate(), "expected protocol error")

	invalidAddr := &ClientConfig{
		Servers: []ServerConfig{
			{Name: "x", Protocol: ProtocolSocks5, Addr: "no-port"},
		},
	}
	suite.NotNil(invalidAddr.Validate(), "expected addr error")

	duplicateNames := &ClientConfig{
		Servers: []ServerConfig{
			{Name: "x", Protocol: ProtocolSocks5, Addr: "192.0.2.1:1080"},
			{Name: "x", Protocol: ProtocolSocks5, Addr: "192.0.2.2:1080"},
		},
	}
	suite.NotNil(duplicateNames.Validate(), "expected duplicate name error")

	unknownRuleServer := &ClientConfig{
		Rules: []RoutingRule{
			{Match: "x.test", Action: RouteProxy, Server: "ghost"},
		},
	}
	suite.NotNil(unknownRuleServer.Validate(), "expected unknown server error")

	serverOnDirectRule := &ClientConfig{
		Servers: []ServerConfig{
			{Name: "x", Protocol: ProtocolSocks5, Addr: "192.0.2.1:1080"},
		},
		Rules: []RoutingRule{
			{Match: "x.test", Action: RouteDirect, Server: "x"},
		},
	}
	suite.NotNil(
		serverOnDirectRule.Validate(), "expected rule server error")

	invalidDefaultAction := &ClientConfig{DefaultAction: "never"}
	suite.NotNil(
		invalidDefaultAction.Validate(), "expected default action error")

	invalidSocksAddress := &ClientConfig{LocalSocksAddress: "localhost"}
	suite.NotNil(
		invalidSocksAddress.Validate(), "expected SOCKS address error")

	invalidDNSServer := &ClientConfig{DNSServers: []string{"dns.test"}}
	suite.NotNil(invalidDNSServer.Validate(), "expected DNS server error")
}

func (suite *ConfigTestSuite) Test_ServerProtocol() {

	for _, protocol := range []ServerProtocol{
		ProtocolDirect, ProtocolHTTP, ProtocolHTTPS,
		ProtocolSocks5, ProtocolShadowsocks,
	} {
		suite.True(protocol.IsValid(), "protocol should be valid")
	}

	suite.False(ServerProtocol("ftp").IsValid(), "protocol should be invalid")
	suite.False(ServerProtocol("").IsValid(), "protocol should be invalid")
}
