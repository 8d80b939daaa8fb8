// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry provides utilities for setting up and configuring
// application observability. This file routes GORM's logging into slog so
// SQL errors and slow queries land in the same structured stream, with the
// trace ids of the stage that issued them.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormLogger implements logger.Interface on top of slog.
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
}

// NewGormLogger creates a GORM logger.
//
// Inputs:
//   - slowThreshold: Queries slower than this are logged as warnings.
//   - level: "silent", "error", "warn" or "info".
//
// Outputs:
//   - *GormLogger: The logger.
func NewGormLogger(slowThreshold time.Duration, level string) *GormLogger {
	l := logger.Warn
	switch strings.ToLower(level) {
	case "silent":
		l = logger.Silent
	case "error":
		l = logger.Error
	case "info", "debug":
		l = logger.Info
	}
	return &GormLogger{SlowThreshold: slowThreshold, LogLevel: l}
}

// LogMode implements logger.Interface.
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	out := *l
	out.LogLevel = level
	return &out
}

// Info implements logger.Interface.
func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		slog.InfoContext(ctx, fmt.Sprintf(msg, data...), "component", "gorm")
	}
}

// Warn implements logger.Interface.
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		slog.WarnContext(ctx, fmt.Sprintf(msg, data...), "component", "gorm")
	}
}

// Error implements logger.Interface.
func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		slog.ErrorContext(ctx, fmt.Sprintf(msg, data...), "component", "gorm")
	}
}

// Trace implements logger.Interface. Record-not-found is expected and never logged.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.LogLevel >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		slog.ErrorContext(ctx, "gorm query failed", "component", "gorm", "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		sql, rows := fc()
		slog.WarnContext(ctx, "gorm slow query", "component", "gorm", "sql", sql, "rows", rows, "elapsed", elapsed)
	case l.LogLevel >= logger.Info:
		sql, rows := fc()
		slog.DebugContext(ctx, "gorm query", "component", "gorm", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
