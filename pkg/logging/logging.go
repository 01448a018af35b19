// Package logging builds the process zap logger from config.Log.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nicktill/fpcollect/pkg/config"
)

// Name is the root logger name
const Name = "fpcollect"

// New builds a logger writing to stderr and, when cfg.File is set, to a
// rotated JSON file.
func New(cfg config.Log) (*zap.Logger, error) {
	return NewWithWriter(cfg, zapcore.Lock(os.Stderr))
}

// NewWithWriter is New with an explicit console sink
func NewWithWriter(cfg config.Log, console zapcore.WriteSyncer) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	consoleEnc, err := encoder(cfg.Format)
	if err != nil {
		return nil, err
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, console, level)}

	if cfg.File != "" {
		fileEnc, _ := encoder("json")
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(fileEnc, rotated, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel)).Named(Name), nil
}

func encoder(format string) (zapcore.Encoder, error) {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	switch format {
	case "", "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec), nil
	case "json":
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(ec), nil
	default:
		return nil, fmt.Errorf("log format %q: want console or json", format)
	}
}
