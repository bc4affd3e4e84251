package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold marks the point past which a statement is logged as a
// warning. A full table scan over the tasks table shows up here long before
// it shows up as an incident.
const slowQueryThreshold = 200 * time.Millisecond

// queryLogger routes GORM's internal output (statements, slow-query
// warnings, errors) into the orchestrator's zap logger so nothing reaches
// stdout on its own.
type queryLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newQueryLogger wraps log for GORM. A zero level defaults to Warn; pass
// gormlogger.Info to trace every statement, gormlogger.Silent to drop all
// output.
func newQueryLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	// Skip the gorm callback frames so the caller column points at the
	// store method, not at this adapter.
	return &queryLogger{log: log.WithOptions(zap.AddCallerSkip(3)), level: level}
}

// LogMode implements gormlogger.Interface. GORM calls it to derive a logger
// with a per-operation level, e.g. for db.Debug().
func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace reports one executed statement. ErrRecordNotFound is not an error
// at this layer: the store maps it to its own sentinel, and logging it
// would drown real failures in lookup noise.
func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	sql, rows := fc()
	elapsed := time.Since(begin)
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
		zap.String("caller", utils.FileWithLineNum()),
	}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.log.Error("query failed", append(fields, zap.Error(err))...)
		return
	}
	if elapsed > slowQueryThreshold {
		l.log.Warn("slow query", fields...)
		return
	}
	if l.level >= gormlogger.Info {
		l.log.Debug("query", fields...)
	}
}
