// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package orm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/VividCortex/mysqlerr"
	dmysql "github.com/go-sql-driver/mysql"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type loggerOption struct {
	slowThreshold  time.Duration
	ignoreNotFound bool
	level          logger.LogLevel
}

type optionFunc func(*loggerOption)

// WithSlowThreshold sets the duration above which a statement is logged
// as a slow query.
func WithSlowThreshold(thres time.Duration) optionFunc {
	return func(op *loggerOption) {
		op.slowThreshold = thres
	}
}

// WithIgnoreTraceRecordNotFoundErr logs 'record not found' at debug level.
// Lookups of absent workers are expected during job resume.
func WithIgnoreTraceRecordNotFoundErr() optionFunc {
	return func(op *loggerOption) {
		op.ignoreNotFound = true
	}
}

// NewOrmLogger returns a gorm logger writing to lg.
func NewOrmLogger(lg *zap.Logger, opts ...optionFunc) logger.Interface {
	op := loggerOption{level: logger.Info}
	for _, opt := range opts {
		opt(&op)
	}
	return &ormLogger{op: op, lg: lg}
}

type ormLogger struct {
	op loggerOption
	lg *zap.Logger
}

// LogMode returns a copy of the logger dropping messages below level.
func (l *ormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.op.level = level
	return &cp
}

func (l *ormLogger) Info(_ context.Context, format string, args ...interface{}) {
	if l.op.level >= logger.Info {
		l.lg.Info(fmt.Sprintf(format, args...))
	}
}

func (l *ormLogger) Warn(_ context.Context, format string, args ...interface{}) {
	if l.op.level >= logger.Warn {
		l.lg.Warn(fmt.Sprintf(format, args...))
	}
}

func (l *ormLogger) Error(_ context.Context, format string, args ...interface{}) {
	if l.op.level >= logger.Error {
		l.lg.Error(fmt.Sprintf(format, args...))
	}
}

// Trace logs one statement. Failed statements are errors, except lock
// conflicts which the callers retry. Successful ones are debug logs.
func (l *ormLogger) Trace(_ context.Context, begin time.Time, resFunc func() (string, int64), err error) {
	if l.op.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := resFunc()
	fields := []zap.Field{
		zap.String("table", statementTable(sql)),
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("affected-rows", rows),
	}

	switch {
	case err == nil:
		l.lg.Debug("metastore statement", fields...)
	case errors.Is(err, gorm.ErrRecordNotFound) && l.op.ignoreNotFound:
		l.lg.Debug("metastore statement", append(fields, zap.Error(err))...)
	case isLockConflict(err):
		l.lg.Warn("metastore statement conflicted", append(fields, zap.Error(err))...)
	default:
		l.lg.Error("metastore statement failed", append(fields, zap.Error(err))...)
	}

	if l.op.slowThreshold != 0 && elapsed > l.op.slowThreshold && l.op.level >= logger.Warn {
		l.lg.Warn("slow metastore statement", fields...)
	}
}

func isLockConflict(err error) bool {
	var myErr *dmysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == mysqlerr.ER_LOCK_DEADLOCK || myErr.Number == mysqlerr.ER_LOCK_WAIT_TIMEOUT
}

// statementTable returns the table a statement works on, or "" when
// it is not one of the metastore tables.
func statementTable(sql string) string {
	switch {
	case strings.Contains(sql, "job_worker"):
		return "job_worker"
	case strings.Contains(sql, "computing_node"):
		return "computing_node"
	}
	return ""
}
