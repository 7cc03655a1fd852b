package util

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encoderConfig() zapcore.EncoderConfig {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return encoderCfg
}

// ParseLevel accepts zap level names; empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zap.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return l, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

func NewLogger(level string) (*zap.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(l)
	cfg.EncoderConfig = encoderConfig()
	return cfg.Build()
}

// NewLoggerWithFile creates a logger that writes to both console and a file
func NewLoggerWithFile(logPath, level string) (*zap.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	// Ensure log directory exists
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	// JSON on both sinks
	encoder := zapcore.NewJSONEncoder(encoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), l),
		zapcore.NewCore(encoder.Clone(), zapcore.AddSync(file), l),
	)
	return zap.New(core), nil
}
