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

package common

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
	"golang.org/x/time/rate"
)

// RateLimits specify the rate limits for a ThrottledConn. A value of 0 for
// a bytes-per-second field disables throttling in that direction.
type RateLimits struct {

	// ReadUnthrottledBytes specifies the number of bytes to read, approximately,
	// before starting rate limiting.
	ReadUnthrottledBytes int64

	// ReadBytesPerSecond specifies a rate limit for read data transfer.
	ReadBytesPerSecond int64

	// WriteUnthrottledBytes specifies the number of bytes to write,
	// approximately, before starting rate limiting.
	WriteUnthrottledBytes int64

	// WriteBytesPerSecond specifies a rate limit for write data transfer.
	WriteBytesPerSecond int64
}

// IsThrottled indicates whether the limits throttle either direction.
func (limits RateLimits) IsThrottled() bool {
	return limits.ReadBytesPerSecond > 0 || limits.WriteBytesPerSecond > 0
}

// ThrottledConn wraps a net.Conn with read and write rate limiters. Rate
// limits are specified at construction time and are fixed for the life of
// the conn. An initial number of bytes in each direction may be exempted
// from throttling, allowing protocol handshakes to complete promptly.
type ThrottledConn struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	readUnthrottledBytes  int64
	writeUnthrottledBytes int64
	readLimiter           *rate.Limiter
	writeLimiter          *rate.Limiter
	net.Conn
}

// NewThrottledConn initializes a new ThrottledConn.
func NewThrottledConn(conn net.Conn, limits RateLimits) *ThrottledConn {
	throttledConn := &ThrottledConn{
		readUnthrottledBytes:  limits.ReadUnthrottledBytes,
		writeUnthrottledBytes: limits.WriteUnthrottledBytes,
		Conn:                  conn,
	}
	if limits.ReadBytesPerSecond > 0 {
		throttledConn.readLimiter = rate.NewLimiter(
			rate.Limit(limits.ReadBytesPerSecond),
			int(limits.ReadBytesPerSecond))
	}
	if limits.WriteBytesPerSecond > 0 {
		throttledConn.writeLimiter = rate.NewLimiter(
			rate.Limit(limits.WriteBytesPerSecond),
			int(limits.WriteBytesPerSecond))
	}
	return throttledConn
}

func (conn *ThrottledConn) Read(buffer []byte) (int, error) {

	if conn.readLimiter == nil {
		return conn.Conn.Read(buffer)
	}

	// Reads are capped to the limiter burst so a single large read cannot
	// exceed the token bucket.
	if len(buffer) > conn.readLimiter.Burst() {
		buffer = buffer[:conn.readLimiter.Burst()]
	}

	n, err := conn.Conn.Read(buffer)

	if n > 0 && atomic.AddInt64(&conn.readUnthrottledBytes, -int64(n)) < 0 {
		reservation := conn.readLimiter.ReserveN(time.Now(), n)
		time.Sleep(reservation.Delay())
	}

	return n, err
}

func (conn *ThrottledConn) Write(buffer []byte) (int, error) {

	if conn.writeLimiter == nil {
		return conn.Conn.Write(buffer)
	}

	wrote := 0

	for len(buffer) > 0 {

		chunk := buffer
		if len(chunk) > conn.writeLimiter.Burst() {
			chunk = chunk[:conn.writeLimiter.Burst()]
		}

		if atomic.AddInt64(&conn.writeUnthrottledBytes, -int64(len(chunk))) < 0 {
			reservation := conn.writeLimiter.ReserveN(time.Now(), len(chunk))
			time.Sleep(reservation.Delay())
		}

		n, err := conn.Conn.Write(chunk)
		wrote += n
		if err != nil {
			return wrote, err
		}

		buffer = buffer[n:]
	}

	return wrote, nil
}

// CloseWrite delegates to the underlying conn when supported, preserving the
// half-close capability of wrapped TCP conns.
func (conn *ThrottledConn) CloseWrite() error {
	if closeWriter, ok := conn.Conn.(CloseWriter); ok {
		return closeWriter.CloseWrite()
	}
	return errors.TraceNew("underlying conn is not a CloseWriter")
}
