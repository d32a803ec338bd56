// Package logger gives every subsystem the same leveled, named logger the
// teacher's internal/logger package provided, backed by zap's sugared
// logger instead of an unspecified backend.
package logger

import (
	"sync"

	"go.uber.org/zap"
)

// Logger matches the call-site shape used throughout the codebase:
// log.Debugln(...), log.Infof(...), log.Warningln(...), log.Errorln(...).
type Logger struct {
	name string
	s    *zap.SugaredLogger
}

var (
	onceEl  sync.Once
	baseL   *zap.Logger
	initErr error
)

func base() *zap.Logger {
	onceEl.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.TimeKey = "ts"
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
			initErr = err
		}
		baseL = l
	})
	return baseL
}

// New returns a named logger, e.g. logger.New("coordinator") or
// logger.New("peer <- " + addr.String()) for per-peer loggers.
func New(name string) Logger {
	return Logger{name: name, s: base().Sugar().Named(name)}
}

func (l Logger) Debugln(args ...any)            { l.s.Debug(args...) }
func (l Logger) Debugf(format string, a ...any) { l.s.Debugf(format, a...) }
func (l Logger) Info(args ...any)               { l.s.Info(args...) }
func (l Logger) Infoln(args ...any)             { l.s.Info(args...) }
func (l Logger) Infof(format string, a ...any)  { l.s.Infof(format, a...) }
func (l Logger) Warningln(args ...any)          { l.s.Warn(args...) }
func (l Logger) Warningf(format string, a ...any) { l.s.Warnf(format, a...) }
func (l Logger) Error(args ...any)              { l.s.Error(args...) }
func (l Logger) Errorln(args ...any)            { l.s.Error(args...) }
func (l Logger) Errorf(format string, a ...any) { l.s.Errorf(format, a...) }

// Sync flushes any buffered log entries; callers invoke this on shutdown.
func (l Logger) Sync() { _ = l.s.Sync() }
