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
	"net"
	"os"
	"time"

	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
	"github.com/weir-net/weir-tunnel-core/weir/common/wildcard"
	"gopkg.in/yaml.v3"
)

// ServerProtocol selects the proxy protocol a backend speaks.
type ServerProtocol string

const (
	ProtocolDirect      ServerProtocol = "direct"
	ProtocolHTTP        ServerProtocol = "http"
	ProtocolHTTPS       ServerProtocol = "https"
	ProtocolSocks5      ServerProtocol = "socks5"
	ProtocolShadowsocks ServerProtocol = "shadowsocks"
)

// IsValid indicates whether the protocol is one of the five supported
// protocol kinds.
func (protocol ServerProtocol) IsValid() bool {
	switch protocol {
	case ProtocolDirect, ProtocolHTTP, ProtocolHTTPS,
		ProtocolSocks5, ProtocolShadowsocks:
		return true
	}
	return false
}

const defaultDialTimeout = 30 * time.Second

// ServerConfig statically describes one proxy backend. A ServerConfig may be
// incomplete for protocols other than the one it declares; required fields
// are checked at connection-establishment time, not at load time.
type ServerConfig struct {

	// Name is a display tag for logs and for routing rules referencing this
	// backend by name.
	Name string `yaml:"name"`

	// Protocol selects the proxy protocol.
	Protocol ServerProtocol `yaml:"protocol"`

	// Addr is the backend address in "host:port" form. For ProtocolHTTPS the
	// host must be a hostname, which is used for the TLS server name.
	Addr string `yaml:"addr"`

	// Username and Password are optional HTTP/HTTPS CONNECT credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Method and Key are the Shadowsocks cipher name and secret. Both are
	// required for ProtocolShadowsocks.
	Method string `yaml:"method"`
	Key    string `yaml:"key"`

	// TimeoutSeconds bounds backend dials and handshakes. 0 selects the
	// default of 30s.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Address returns the backend address.
func (config *ServerConfig) Address() (Address, error) {
	address, err := ParseAddress(config.Addr)
	if err != nil {
		return Address{}, errors.Trace(err)
	}
	return address, nil
}

// DialTimeout returns the configured backend dial timeout.
func (config *ServerConfig) DialTimeout() time.Duration {
	if config.TimeoutSeconds <= 0 {
		return defaultDialTimeout
	}
	return time.Duration(config.TimeoutSeconds) * time.Second
}

// Equal compares two configs by value. Two nil configs are equal; nil never
// equals non-nil.
func (config *ServerConfig) Equal(otherConfig *ServerConfig) bool {
	if config == nil || otherConfig == nil {
		return config == otherConfig
	}
	return *config == *otherConfig
}

// RouteAction is the routing decision for a destination: relay through a
// backend, connect directly, or refuse the connection.
type RouteAction string

const (
	RouteProxy  RouteAction = "proxy"
	RouteDirect RouteAction = "direct"
	RouteBlock  RouteAction = "block"
)

// RoutingRule maps destination hosts matching a wildcard pattern to a route
// action. For RouteProxy, Server optionally names the backend to use;
// when empty the chooser's current backend is used.
type RoutingRule struct {
	Match  string      `yaml:"match"`
	Action RouteAction `yaml:"action"`
	Server string      `yaml:"server"`
}

// RuleSet is an ordered list of routing rules with a default action. The
// zero value routes every destination to RouteProxy.
type RuleSet struct {
	rules         []RoutingRule
	defaultAction RouteAction
}

// NewRuleSet initializes a RuleSet. defaultAction may be "" to select
// RouteProxy.
func NewRuleSet(rules []RoutingRule, defaultAction RouteAction) (*RuleSet, error) {

	if defaultAction == "" {
		defaultAction = RouteProxy
	}
	if !validRouteAction(defaultAction) {
		return nil, errors.Tracef("invalid default action: %s", defaultAction)
	}
	for _, rule := range rules {
		if rule.Match == "" {
			return nil, errors.TraceNew("missing rule match pattern")
		}
		if !validRouteAction(rule.Action) {
			return nil, errors.Tracef("invalid rule action: %s", rule.Action)
		}
		if rule.Action != RouteProxy && rule.Server != "" {
			return nil, errors.Tracef(
				"rule %s: server is only valid with action proxy", rule.Match)
		}
	}

	return &RuleSet{rules: rules, defaultAction: defaultAction}, nil
}

func validRouteAction(action RouteAction) bool {
	switch action {
	case RouteProxy, RouteDirect, RouteBlock:
		return true
	}
	return false
}

// Route returns the action for the destination, along with the backend name
// for a RouteProxy rule naming one. The first matching rule wins; the
// default action applies when no rule matches.
func (ruleSet *RuleSet) Route(destination Address) (RouteAction, string) {
	if ruleSet == nil {
		return RouteProxy, ""
	}
	host := destination.Host()
	for _, rule := range ruleSet.rules {
		if wildcard.Match(rule.Match, host) {
			return rule.Action, rule.Server
		}
	}
	if ruleSet.defaultAction == "" {
		return RouteProxy, ""
	}
	return ruleSet.defaultAction, ""
}

// ClientConfig is the YAML-loadable top-level configuration consumed by the
// ConsoleClient. The core types take ServerConfig values and constructed
// collaborators directly; ClientConfig is the outer layer that supplies
// them.
type ClientConfig struct {

	// Servers lists the configured proxy backends, in failover order.
	Servers []ServerConfig `yaml:"servers"`

	// Rules routes destinations; DefaultAction applies when no rule
	// matches ("" selects proxy).
	Rules         []RoutingRule `yaml:"rules"`
	DefaultAction RouteAction   `yaml:"default_action"`

	// LocalSocksAddress, when set, enables the loopback SOCKS5 front-end.
	LocalSocksAddress string `yaml:"local_socks_address"`

	// DNSServers lists plaintext DNS servers ("IP" or "IP:port") used by the
	// resolver.
	DNSServers []string `yaml:"dns_servers"`

	// ReadBytesPerSecond/WriteBytesPerSecond cap per-connection transfer
	// rates at the transport layer. 0 disables throttling.
	ReadBytesPerSecond  int64 `yaml:"read_bytes_per_second"`
	WriteBytesPerSecond int64 `yaml:"write_bytes_per_second"`

	// ProbeTimeoutSeconds bounds each backend latency probe.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`

	// LogLevel and LogFormat configure logging ("info"/"text" defaults).
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// LoadConfig parses and validates a YAML client configuration.
func LoadConfig(configYAML []byte) (*ClientConfig, error) {

	var config ClientConfig
	err := yaml.Unmarshal(configYAML, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = config.Validate()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &config, nil
}

// LoadConfigFile loads a YAML client configuration from a file.
func LoadConfigFile(filename string) (*ClientConfig, error) {
	configYAML, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	config, err := LoadConfig(configYAML)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return config, nil
}

// Validate checks field values and cross-references. Backend-protocol field
// requirements are not checked here; those are enforced by Connect.
func (config *ClientConfig) Validate() error {

	serverNames := make(map[string]bool)
	for i := range config.Servers {
		server := &config.Servers[i]
		if !server.Protocol.IsValid() {
			return errors.Tracef("invalid protocol: %s", server.Protocol)
		}
		if server.Protocol != ProtocolDirect {
			if _, err := server.Address(); err != nil {
				return errors.TraceMsg(err, "invalid server addr")
			}
		}
		if server.Name != "" {
			if serverNames[server.Name] {
				return errors.Tracef("duplicate server name: %s", server.Name)
			}
			serverNames[server.Name] = true
		}
	}

	if config.DefaultAction != "" && !validRouteAction(config.DefaultAction) {
		return errors.Tracef("invalid default action: %s", config.DefaultAction)
	}
	for _, rule := range config.Rules {
		if rule.Server != "" && !serverNames[rule.Server] {
			return errors.Tracef("rule references unknown server: %s", rule.Server)
		}
	}
	if _, err := NewRuleSet(config.Rules, config.DefaultAction); err != nil {
		return errors.Trace(err)
	}

	if config.LocalSocksAddress != "" {
		if _, _, err := net.SplitHostPort(config.LocalSocksAddress); err != nil {
			return errors.TraceMsg(err, "invalid local SOCKS address")
		}
	}

	for _, server := range config.DNSServers {
		host := server
		if h, _, err := net.SplitHostPort(server); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return errors.Tracef("invalid DNS server IP address: %s", server)
		}
	}

	return nil
}

// ServerByName returns the named backend, or nil when absent.
func (config *ClientConfig) ServerByName(name string) *ServerConfig {
	for i := range config.Servers {
		if config.Servers[i].Name == name {
			return &config.Servers[i]
		}
	}
	return nil
}

// RateLimits returns the configured per-connection transport rate limits.
func (config *ClientConfig) RateLimits() common.RateLimits {
	return common.RateLimits{
		ReadBytesPerSecond:  config.ReadBytesPerSecond,
		WriteBytesPerSecond: config.WriteBytesPerSecond,
	}
}
