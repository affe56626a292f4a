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

	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

// StreamRouter combines routing rules, backend selection, and the stream
// pool into one place that turns a destination into an established
// ProxyStream. The Relay and the local SOCKS front-end share a
// StreamRouter so both surfaces route identically.
type StreamRouter struct {

	// DnsClient resolves destination and backend hostnames. Required.
	DnsClient DnsClient

	// Servers lists backends referenced by name in routing rules.
	Servers []*ServerConfig

	// Chooser selects the backend for proxied destinations not pinned to
	// a named backend. When nil, proxied destinations connect directly.
	Chooser *ServerChooser

	// Rules routes destinations. When nil, every destination is proxied.
	Rules *RuleSet

	// Pool, when set, is consulted for idle streams before establishing
	// new ones.
	Pool *StreamPool

	// DialConfig customizes underlying TCP dials. May be nil.
	DialConfig *DialConfig
}

// Route resolves the destination's routing action and, for proxied
// destinations, the backend config. A rule naming an unknown backend, or
// proxying with no chooser, falls back to the chooser's current backend or
// to a direct connection respectively.
func (router *StreamRouter) Route(
	destination Address) (RouteAction, *ServerConfig) {

	action, serverName := router.Rules.Route(destination)
	if action != RouteProxy {
		return action, nil
	}

	if serverName != "" {
		for _, config := range router.Servers {
			if config != nil && config.Name == serverName {
				return action, config
			}
		}
	}

	if router.Chooser != nil {
		return action, router.Chooser.Current()
	}

	return action, nil
}

// Connect routes the destination and establishes a ProxyStream to it,
// reusing a pooled stream when one is available. The caller assumes
// ownership of the returned stream. For a blocked destination, Connect
// returns RouteBlock with no stream and no error. Connection failures are
// reported to the chooser.
func (router *StreamRouter) Connect(
	ctx context.Context, destination Address) (*ProxyStream, RouteAction, error) {

	action, serverConfig := router.Route(destination)
	if action == RouteBlock {
		return nil, RouteBlock, nil
	}

	if router.Pool != nil {
		if stream := router.Pool.Get(destination, serverConfig); stream != nil {
			return stream, action, nil
		}
	}

	stream, err := Connect(
		ctx, destination, serverConfig, router.DnsClient, router.DialConfig)
	if err != nil {
		if router.Chooser != nil {
			router.Chooser.ReportFailure(serverConfig)
		}
		return nil, action, errors.Trace(err)
	}
	if router.Chooser != nil {
		router.Chooser.ReportSuccess(serverConfig)
	}

	return stream, action, nil
}
