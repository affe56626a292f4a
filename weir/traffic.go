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
	"sync/atomic"

	"github.com/weir-net/weir-tunnel-core/weir/common"
)

// Traffic counts bytes sent and received over one logical connection. All
// owners of a stream share the same Traffic value, so an observer holding
// the handle sees subsequent updates, not a snapshot. Counters only
// increase; they are never reset.
//
// Counters are updated only after completed transfers, by the stream's
// Read/Write, and use atomic operations with no further synchronization.
type Traffic struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	sent     int64
	received int64
}

// NewTraffic initializes a zeroed counter pair.
func NewTraffic() *Traffic {
	return &Traffic{}
}

func (traffic *Traffic) recordSent(n int64) {
	if n > 0 {
		atomic.AddInt64(&traffic.sent, n)
	}
}

func (traffic *Traffic) recordReceived(n int64) {
	if n > 0 {
		atomic.AddInt64(&traffic.received, n)
	}
}

// Sent returns the total bytes sent.
func (traffic *Traffic) Sent() int64 {
	return atomic.LoadInt64(&traffic.sent)
}

// Received returns the total bytes received.
func (traffic *Traffic) Received() int64 {
	return atomic.LoadInt64(&traffic.received)
}

// GetMetrics implements the common.MetricsSource interface.
func (traffic *Traffic) GetMetrics() common.LogFields {
	return common.LogFields{
		"bytes_sent":     traffic.Sent(),
		"bytes_received": traffic.Received(),
	}
}
