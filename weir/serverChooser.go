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
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

// ServerChooser selects which configured backend server proxied traffic
// uses. Selection rotates away from servers with reported failures; when
// every server has failed, the failure records are cleared and rotation
// starts over rather than leaving the client with no backend.
//
// ServerChooser is safe for concurrent use.
type ServerChooser struct {
	mutex    sync.Mutex
	configs  []*ServerConfig
	position int
	failed   mapset.Set
	pool     *StreamPool
	logger   common.Logger
}

// NewServerChooser creates a ServerChooser over the given configs. configs
// may be empty, in which case Current always returns nil and connections
// are made directly. logger may be nil.
func NewServerChooser(
	configs []*ServerConfig, logger common.Logger) (*ServerChooser, error) {

	seen := mapset.NewSet()
	for _, config := range configs {
		if config == nil {
			return nil, errors.TraceNew("nil server config")
		}
		if !seen.Add(config.Name) {
			return nil, errors.Tracef("duplicate server name: %s", config.Name)
		}
	}

	return &ServerChooser{
		configs: configs,
		failed:  mapset.NewSet(),
		logger:  logger,
	}, nil
}

// SetPool directs Probe to offer its established streams to pool instead
// of discarding them, pre-warming the pool for the probe destination.
func (chooser *ServerChooser) SetPool(pool *StreamPool) {
	chooser.mutex.Lock()
	defer chooser.mutex.Unlock()
	chooser.pool = pool
}

// Current returns the selected server config, or nil when no servers are
// configured. Servers with reported failures are skipped; when all have
// failed, the records are cleared and selection restarts.
func (chooser *ServerChooser) Current() *ServerConfig {
	chooser.mutex.Lock()
	defer chooser.mutex.Unlock()
	return chooser.current()
}

// current assumes the caller holds chooser.mutex.
func (chooser *ServerChooser) current() *ServerConfig {

	if len(chooser.configs) == 0 {
		return nil
	}

	if chooser.failed.Cardinality() >= len(chooser.configs) {
		chooser.failed.Clear()
		if chooser.logger != nil {
			chooser.logger.WithTrace().Warning(
				"all servers failed; clearing failure records")
		}
	}

	for i := 0; i < len(chooser.configs); i++ {
		config := chooser.configs[(chooser.position+i)%len(chooser.configs)]
		if !chooser.failed.Contains(config.Name) {
			return config
		}
	}

	return chooser.configs[chooser.position]
}

// ReportFailure records a failure for the given server, rotating selection
// past it when it is the current server.
func (chooser *ServerChooser) ReportFailure(config *ServerConfig) {
	if config == nil || len(chooser.configs) == 0 {
		return
	}

	chooser.mutex.Lock()
	defer chooser.mutex.Unlock()

	chooser.failed.Add(config.Name)

	current := chooser.configs[chooser.position]
	if current.Name == config.Name {
		chooser.position = (chooser.position + 1) % len(chooser.configs)
	}

	if chooser.logger != nil {
		chooser.logger.WithTraceFields(common.LogFields{
			"server": config.Name,
		}).Warning("server failure reported")
	}
}

// ReportSuccess clears any failure record for the given server.
func (chooser *ServerChooser) ReportSuccess(config *ServerConfig) {
	if config == nil {
		return
	}
	chooser.mutex.Lock()
	defer chooser.mutex.Unlock()
	chooser.failed.Remove(config.Name)
}

// ProbeResult reports one server's connect latency to the probe
// destination, or the error that prevented it.
type ProbeResult struct {
	Config  *ServerConfig
	Latency time.Duration
	Err     error
}

// Probe establishes a throwaway stream to destination through every
// configured server concurrently, measures connect latency, and moves
// selection to the fastest responder. Failure records are updated from the
// outcomes. Results are returned in config order.
func (chooser *ServerChooser) Probe(
	ctx context.Context,
	destination Address,
	dns DnsClient,
	dialConfig *DialConfig) []ProbeResult {

	chooser.mutex.Lock()
	configs := chooser.configs
	pool := chooser.pool
	chooser.mutex.Unlock()

	results := make([]ProbeResult, len(configs))

	waitGroup := new(sync.WaitGroup)
	for i, config := range configs {
		waitGroup.Add(1)
		go func(i int, config *ServerConfig) {
			defer waitGroup.Done()
			start := time.Now()
			stream, err := Connect(ctx, destination, config, dns, dialConfig)
			if err != nil {
				results[i] = ProbeResult{Config: config, Err: err}
				return
			}
			results[i] = ProbeResult{Config: config, Latency: time.Since(start)}
			// Probe streams are pristine: pool them for reuse when a
			// pool is attached.
			if pool != nil && pool.Put(stream) {
				return
			}
			stream.Shutdown()
			stream.Release()
		}(i, config)
	}
	waitGroup.Wait()

	best := -1
	for i, result := range results {
		if result.Err != nil {
			chooser.ReportFailure(result.Config)
			continue
		}
		chooser.ReportSuccess(result.Config)
		if best == -1 || result.Latency < results[best].Latency {
			best = i
		}
	}

	if best != -1 {
		chooser.mutex.Lock()
		chooser.position = best
		chooser.mutex.Unlock()
		if chooser.logger != nil {
			chooser.logger.WithTraceFields(common.LogFields{
				"server":  configs[best].Name,
				"latency": results[best].Latency.String(),
			}).Info("probe selected server")
		}
	}

	return results
}

// GetMetrics implements the common.MetricsSource interface.
func (chooser *ServerChooser) GetMetrics() common.LogFields {
	chooser.mutex.Lock()
	defer chooser.mutex.Unlock()

	currentName := ""
	if config := chooser.current(); config != nil {
		currentName = config.Name
	}

	return common.LogFields{
		"current_server": currentName,
		"failed_servers": chooser.failed.Cardinality(),
	}
}
