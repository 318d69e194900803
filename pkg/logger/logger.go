// Package logger builds the zap logger shared by the buffer pool, its disk
// managers and the gojodb_pool binary.
//
// Every pool hit, miss and eviction is logged at debug level, so a debug run
// of the bench produces the same few messages millions of times. Entries below
// warn level can therefore be sampled per message; warnings and errors (a full
// pool, a failed write-back) always get through.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultService = "gojodb-bufferpool"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr".
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry. Defaults to "gojodb-bufferpool".
	Service  string         `yaml:"service"`
	Sampling SamplingConfig `yaml:"sampling"`
}

// SamplingConfig limits debug and info entries per message and per second:
// the first Initial are kept, then one in every Thereafter. Initial 0 turns
// sampling off; Thereafter 0 drops everything past Initial.
type SamplingConfig struct {
	Initial    int `yaml:"initial"`
	Thereafter int `yaml:"thereafter"`
}

// Enabled reports whether sampling applies.
func (s SamplingConfig) Enabled() bool { return s.Initial > 0 }

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at application startup.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}
	if config.Sampling.Initial < 0 || config.Sampling.Thereafter < 0 {
		return nil, fmt.Errorf("log sampling must not be negative, got initial=%d thereafter=%d",
			config.Sampling.Initial, config.Sampling.Thereafter)
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	var core zapcore.Core
	if config.Sampling.Enabled() {
		chatty := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l < zapcore.WarnLevel && level.Enabled(l) })
		urgent := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.WarnLevel && level.Enabled(l) })
		core = zapcore.NewTee(
			zapcore.NewSamplerWithOptions(zapcore.NewCore(newEncoder(config.Format), sink, chatty),
				time.Second, config.Sampling.Initial, config.Sampling.Thereafter),
			zapcore.NewCore(newEncoder(config.Format), sink, urgent),
		)
	} else {
		core = zapcore.NewCore(newEncoder(config.Format), sink, level)
	}

	service := config.Service
	if service == "" {
		service = defaultService
	}
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", service))), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// openSink resolves OutputFile. Files are appended to and created if missing.
func openSink(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
	}
	return zapcore.Lock(file), nil
}
