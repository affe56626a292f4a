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

/*

Package errors provides error wrapping helpers that annotate errors with
the wrapping callsite, a compact "package.Function#line" tag. Wrapping uses
%w, so errors.Is and errors.As from the standard library see through the
annotations.

*/
package errors

import (
	"fmt"
	"runtime"

	"github.com/weir-net/weir-tunnel-core/weir/common/stacktrace"
)

// TraceNew returns a new error with the given message, annotated with the
// caller's callsite.
func TraceNew(message string) error {
	err := fmt.Errorf("%s", message)
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s: %w", stacktrace.Callsite(pc, line), err)
}

// Tracef returns a new error with the given formatted message, annotated
// with the caller's callsite.
func Tracef(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s: %w", stacktrace.Callsite(pc, line), err)
}

// Trace wraps the given error with the caller's callsite. A nil error
// passes through as nil, so call sites can wrap unconditionally.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s: %w", stacktrace.Callsite(pc, line), err)
}

// TraceMsg wraps the given error with the caller's callsite and the given
// message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s: %s: %w", stacktrace.Callsite(pc, line), message, err)
}
