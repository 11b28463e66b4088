// Package dqlog is the process-wide logger of deskqueue.
package dqlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Fatalf(template string, args ...interface{})
}

var logger Logger

func init() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zapLogger, _ := config.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zap.FatalLevel))
	logger = zapLogger.Sugar()
}

// SetLogger replaces the logger used by the package-level functions.
// Call it before any component starts; it is not synchronized.
func SetLogger(l Logger) {
	logger = l
}

// NewProduction builds a JSON logger at the given level, for deployments
// where logs are shipped rather than read on a terminal.
func NewProduction(level zapcore.Level) (Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	zapLogger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return zapLogger.Sugar(), nil
}

func Debugf(template string, args ...interface{}) {
	logger.Debugf(template, args...)
}

func Infof(template string, args ...interface{}) {
	logger.Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	logger.Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	logger.Errorf(template, args...)
}

func Fatalf(template string, args ...interface{}) {
	logger.Fatalf(template, args...)
}
