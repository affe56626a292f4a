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
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	cache "github.com/patrickmn/go-cache"
	"github.com/weir-net/weir-tunnel-core/weir/common"
)

const (
	streamPoolDefaultTTL    = 30 * time.Second
	streamPoolReapFrequency = 10 * time.Second
)

// StreamPool holds idle ProxyStreams for reuse, keyed by destination and
// backend config. At most one idle stream is retained per key. Ownership
// transfers into the pool on Put and back out on Get; a stream that idles
// past the TTL is shut down and released by the pool.
//
// The pool is safe for concurrent use.
type StreamPool struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	hitCount  int64
	missCount int64
	putCount  int64

	cache  *cache.Cache
	logger common.Logger
}

// poolEntry wraps a pooled stream with a take flag. Exactly one of the
// evictor or a Get caller wins the CAS and assumes ownership; the loser
// leaves the stream alone.
type poolEntry struct {
	taken  int32
	stream *ProxyStream
}

// NewStreamPool creates a StreamPool. Streams idle longer than idleTTL are
// reaped; idleTTL <= 0 selects the default. logger may be nil.
func NewStreamPool(idleTTL time.Duration, logger common.Logger) *StreamPool {

	if idleTTL <= 0 {
		idleTTL = streamPoolDefaultTTL
	}

	pool := &StreamPool{
		cache:  cache.New(idleTTL, streamPoolReapFrequency),
		logger: logger,
	}

	pool.cache.OnEvicted(func(key string, value interface{}) {
		entry := value.(*poolEntry)
		if !atomic.CompareAndSwapInt32(&entry.taken, 0, 1) {
			return
		}
		// Eviction ends the stream for any residual owner.
		entry.stream.Shutdown()
		entry.stream.Release()
		if pool.logger != nil {
			pool.logger.WithTraceFields(common.LogFields{
				"remote_addr": entry.stream.Destination().String(),
			}).Debug("evicted idle stream")
		}
	})

	return pool
}

func poolKey(destination Address, config *ServerConfig) string {
	route := "direct"
	if config != nil {
		route = fmt.Sprintf(
			"%s|%s|%s|%s|%s|%s|%s",
			config.Name, config.Protocol, config.Addr,
			config.Username, config.Password, config.Method, config.Key)
	}
	return strconv.FormatUint(
		xxhash.Sum64String(destination.String()+"|"+route), 16)
}

// Get removes and returns an idle stream previously established to
// destination with an equal config, or nil when none is pooled. The caller
// assumes ownership of the returned stream. Streams found dead are
// discarded and reported as a miss.
func (pool *StreamPool) Get(
	destination Address, config *ServerConfig) *ProxyStream {

	key := poolKey(destination, config)

	value, ok := pool.cache.Get(key)
	if !ok {
		atomic.AddInt64(&pool.missCount, 1)
		return nil
	}

	entry := value.(*poolEntry)
	if !atomic.CompareAndSwapInt32(&entry.taken, 0, 1) {
		atomic.AddInt64(&pool.missCount, 1)
		return nil
	}
	pool.cache.Delete(key)

	stream := entry.stream

	// Guards against a key hash collision.
	if stream.Destination() != destination || !stream.HasConfig(config) {
		stream.Shutdown()
		stream.Release()
		atomic.AddInt64(&pool.missCount, 1)
		return nil
	}

	if !stream.IsAlive() {
		stream.Release()
		atomic.AddInt64(&pool.missCount, 1)
		return nil
	}

	atomic.AddInt64(&pool.hitCount, 1)
	return stream
}

// Put transfers ownership of a live idle stream into the pool. Put refuses,
// returning false, when the stream is nil or dead, or when a live stream is
// already pooled for the same destination and config; the caller retains
// ownership of a refused stream.
func (pool *StreamPool) Put(stream *ProxyStream) bool {

	if stream == nil || !stream.IsAlive() {
		return false
	}

	key := poolKey(stream.Destination(), stream.Config())

	if value, ok := pool.cache.Get(key); ok {
		entry := value.(*poolEntry)
		if atomic.LoadInt32(&entry.taken) == 0 && entry.stream.IsAlive() {
			return false
		}
		// Stale entry: Delete routes it through the evictor, which
		// skips entries already taken.
		pool.cache.Delete(key)
	}

	pool.cache.Set(key, &poolEntry{stream: stream}, cache.DefaultExpiration)
	atomic.AddInt64(&pool.putCount, 1)
	return true
}

// Len reports the number of pooled entries, including expired entries not
// yet reaped.
func (pool *StreamPool) Len() int {
	return pool.cache.ItemCount()
}

// Flush shuts down and releases every pooled stream.
func (pool *StreamPool) Flush() {
	// Items omits expired entries awaiting the reaper; DeleteExpired
	// routes them through the evictor first.
	pool.cache.DeleteExpired()
	for key := range pool.cache.Items() {
		// Delete routes each entry through the evictor.
		pool.cache.Delete(key)
	}
}

// GetMetrics implements the common.MetricsSource interface.
func (pool *StreamPool) GetMetrics() common.LogFields {
	return common.LogFields{
		"pool_size":   pool.Len(),
		"pool_hits":   atomic.LoadInt64(&pool.hitCount),
		"pool_misses": atomic.LoadInt64(&pool.missCount),
		"pool_puts":   atomic.LoadInt64(&pool.putCount),
	}
}
