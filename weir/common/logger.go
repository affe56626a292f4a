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

// Logger exposes a logging interface that packages in this repository accept
// instead of importing a concrete logging implementation. The canonical
// implementation is weir/logging.ContextLogger; tests may supply their own.
type Logger interface {
	WithTrace() LogTrace
	WithTraceFields(fields LogFields) LogTrace
	LogMetric(metric string, fields LogFields)
}

// LogTrace is the per-call-site handle returned by
// Logger.WithTrace/WithTraceFields.
type LogTrace interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
}

// LogFields holds structured log fields. It is type-compatible with
// logrus.Fields.
type LogFields map[string]interface{}

// Add merges fields from b into a. Fields already present in a keep their
// existing values.
func (a LogFields) Add(b LogFields) {
	for name, value := range b {
		if _, ok := a[name]; !ok {
			a[name] = value
		}
	}
}

// MetricsSource is a component whose counters can be snapshotted for
// metrics logging.
type MetricsSource interface {
	GetMetrics() LogFields
}
