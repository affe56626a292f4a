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

// Package wildcard implements a very simple wildcard matcher which supports
// only the term '*', which matches any sequence of characters. Match both
// parses the pattern and matches the target; there is no compile stage and
// Match can be a drop in replacement anywhere a normal string comparison is
// done. Routing rules use it to match destination hosts.
package wildcard

import (
	"strings"
)

// Match reports whether target matches pattern. A '*' in the pattern
// matches any sequence of characters, including none; all other characters
// match themselves.
func Match(pattern, target string) bool {

	segments := strings.Split(pattern, "*")

	if len(segments) == 1 {

		// No wildcard, so the target must exactly match the pattern.

		return pattern == target
	}

	// The literal segment before the first wildcard anchors at the start of
	// the target, and the segment after the last wildcard anchors at the
	// end. Either may be empty.

	first := segments[0]
	last := segments[len(segments)-1]

	if !strings.HasPrefix(target, first) {
		return false
	}
	target = target[len(first):]

	if !strings.HasSuffix(target, last) {
		return false
	}
	target = target[:len(target)-len(last)]

	// Each middle segment must appear, in order and without overlap, in
	// what remains. Taking the leftmost occurrence each time leaves the
	// maximum remaining target for later segments, so no backtracking is
	// required.

	for _, segment := range segments[1 : len(segments)-1] {
		if segment == "" {

			// Adjacent wildcards, as in "a**b", collapse.

			continue
		}
		i := strings.Index(target, segment)
		if i == -1 {
			return false
		}
		target = target[i+len(segment):]
	}

	return true
}
