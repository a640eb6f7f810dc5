package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process logger. It satisfies camera.Logger and storage.Logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewLogger logs to stdout and, when logFile is set, to a size-rotated file.
func NewLogger(verbose bool, logFile string) *Logger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), level),
	}
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    LogFileMaxSizeMB,
			MaxBackups: LogFileMaxBackups,
			MaxAge:     LogFileMaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(rotator), level))
	}

	return &Logger{sugar: zap.New(zapcore.NewTee(cores...)).Sugar()}
}

// NewLoggerFrom wraps an existing zap logger.
func NewLoggerFrom(l *zap.Logger) *Logger {
	return &Logger{sugar: l.Sugar()}
}

func (l *Logger) Printf(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.sugar.Fatalf(format, v...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}
