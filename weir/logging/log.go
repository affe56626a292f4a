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

// Package logging implements the repository's structured logging on logrus.
// ContextLogger adds a "trace" field, the caller's package.Function#line, to
// every entry, so log lines can be attributed without full stack traces.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
	"github.com/weir-net/weir-tunnel-core/weir/common/stacktrace"
)

// ContextLogger adds context logging functionality to the underlying logrus
// logging facility.
type ContextLogger struct {
	*logrus.Logger
}

// NewLogger initializes a new ContextLogger writing to the given output.
// level is a logrus level name ("debug", "info", "warning", "error");
// format is "text" or "json".
func NewLogger(level, format string, output io.Writer) (*ContextLogger, error) {

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var formatter logrus.Formatter
	switch format {
	case "text":
		formatter = &logrus.TextFormatter{}
	case "json":
		formatter = &logrus.JSONFormatter{}
	default:
		return nil, errors.Tracef("unknown log format: %s", format)
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(formatter)
	logger.SetOutput(output)

	return &ContextLogger{logger}, nil
}

// WithTrace adds a "trace" field containing the caller's function name and
// source file line number.
func (logger *ContextLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.ParentCallsite(),
		})
}

// WithTraceFields adds a "trace" field along with the given fields.
//
// Note: in WithTraceFields, the given fields are not renamed in the case of
// a name conflict with the trace field.
func (logger *ContextLogger) WithTraceFields(fields common.LogFields) *logrus.Entry {
	logrusFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		logrusFields[name] = value
	}
	logrusFields["trace"] = stacktrace.ParentCallsite()
	return logger.WithFields(logrusFields)
}

// LogMetric emits a metrics log entry tagged with the metric name.
func (logger *ContextLogger) LogMetric(metric string, fields common.LogFields) {
	logrusFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		logrusFields[name] = value
	}
	logrusFields["metric"] = metric
	logger.WithFields(logrusFields).Info(metric)
}

// CommonLogger wraps a ContextLogger instance with an interface that
// conforms to common.Logger, so packages accepting that interface can log
// without importing this package.
func CommonLogger(contextLogger *ContextLogger) common.Logger {
	return &commonLogger{contextLogger}
}

type commonLogger struct {
	contextLogger *ContextLogger
}

// The trace field is added here, not by delegating to ContextLogger, so
// the recorded caller is the adapter's caller.

func (logger *commonLogger) WithTrace() common.LogTrace {
	return logger.contextLogger.WithFields(
		logrus.Fields{
			"trace": stacktrace.ParentCallsite(),
		})
}

func (logger *commonLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	logrusFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		logrusFields[name] = value
	}
	logrusFields["trace"] = stacktrace.ParentCallsite()
	return logger.contextLogger.WithFields(logrusFields)
}

func (logger *commonLogger) LogMetric(metric string, fields common.LogFields) {
	logger.contextLogger.LogMetric(metric, fields)
}

// DiscardLogger is a common.Logger that drops all entries. It is the default
// for components constructed without a logger.
var DiscardLogger = newDiscardLogger()

func newDiscardLogger() common.Logger {
	contextLogger, _ := NewLogger("error", "text", io.Discard)
	return CommonLogger(contextLogger)
}
