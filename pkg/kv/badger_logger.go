package kv

import (
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// zapBadgerLogger routes Badger's printf-style logging into zap.
type zapBadgerLogger struct {
	s *zap.SugaredLogger
}

// NewZapBadgerLogger adapts l for BadgerOptions.Logger. Badger's chatty Info
// output is demoted to Debug.
func NewZapBadgerLogger(l *zap.Logger) badger.Logger {
	return &zapBadgerLogger{s: l.Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *zapBadgerLogger) Errorf(format string, args ...interface{}) {
	z.s.Errorf(strings.TrimSuffix(format, "\n"), args...)
}

func (z *zapBadgerLogger) Warningf(format string, args ...interface{}) {
	z.s.Warnf(strings.TrimSuffix(format, "\n"), args...)
}

func (z *zapBadgerLogger) Infof(format string, args ...interface{}) {
	z.s.Debugf(strings.TrimSuffix(format, "\n"), args...)
}

func (z *zapBadgerLogger) Debugf(format string, args ...interface{}) {
	z.s.Debugf(strings.TrimSuffix(format, "\n"), args...)
}
