// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// sampledLogger forwards at most one message per interval to logger. The
// number of messages dropped since the last forwarded one is appended to it.
type sampledLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

func (s *sampledLogger) Debugf(format string, v ...any) {
	s.emit(Debug, format, v)
}

func (s *sampledLogger) Infof(format string, v ...any) {
	s.emit(Info, format, v)
}

func (s *sampledLogger) Warningf(format string, v ...any) {
	s.emit(Warning, format, v)
}

func (s *sampledLogger) IsLogging(level Level) bool {
	return s.logger.IsLogging(level)
}

func (s *sampledLogger) emit(level Level, format string, v []any) {
	if !s.logger.IsLogging(level) {
		return
	}
	if !s.limit.Allow() {
		s.dropped.Add(1)
		return
	}
	if n := s.dropped.Swap(0); n > 0 {
		format += " (%d more since last report)"
		v = append(v, n)
	}
	switch level {
	case Debug:
		s.logger.Debugf(format, v...)
	case Info:
		s.logger.Infof(format, v...)
	default:
		s.logger.Warningf(format, v...)
	}
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration. Messages beyond the limit are counted
// but not formatted, so the sampling loop of a spy may log on every burst.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &sampledLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
