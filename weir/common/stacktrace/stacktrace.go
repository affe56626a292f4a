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

Package stacktrace derives compact callsite identifiers, in the form
"package.Function#line", used to annotate errors and log messages.

*/
package stacktrace

import (
	"fmt"
	"runtime"
	"strings"
)

// Callsite formats the given program counter and line number as
// "package.Function#line". The fully qualified function name reported by
// runtime.Func.Name is reduced to its last path element to declutter
// messages.
func Callsite(pc uintptr, line int) string {
	name := runtime.FuncForPC(pc).Name()
	if index := strings.LastIndex(name, "/"); index != -1 {
		name = name[index+1:]
	}
	return fmt.Sprintf("%s#%d", name, line)
}

// ParentCallsite returns the callsite of the function that invoked the
// caller of ParentCallsite. Logging helpers use this to attribute log
// messages to the application code that emitted them.
func ParentCallsite() string {
	pc, _, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return Callsite(pc, line)
}
