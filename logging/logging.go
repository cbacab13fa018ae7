// Package logging builds the zap loggers used by modscope: a console core,
// and optionally a JSON file core rotated by lumberjack.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the loggers
type Config struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"Level" koanf:"Level"`

	// File is the path of the rotated log file; empty disables file logging
	File string `yaml:"File" koanf:"File"`

	MaxSizeMB  int `yaml:"MaxSizeMB" koanf:"MaxSizeMB"`
	MaxBackups int `yaml:"MaxBackups" koanf:"MaxBackups"`
	MaxAgeDays int `yaml:"MaxAgeDays" koanf:"MaxAgeDays"`

	// Development selects colored human readable console output
	Development bool `yaml:"Development" koanf:"Development"`
}

// DefaultConfig logs info and above to the console only
func DefaultConfig() Config {
	return Config{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30}
}

// ParseLevel parses a level name.  Unknown names are an error.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", s)
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}

// FileWriter returns a rotating file sink
func FileWriter(c Config) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   true,
	})
}

// New builds a logger writing to stderr and, if c.File is set, to a rotated file
func New(c Config) (*zap.Logger, error) {
	return NewWithConsole(c, zapcore.Lock(os.Stderr))
}

// NewWithConsole is New with the console output replaced by w
func NewWithConsole(c Config, w zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	var console zapcore.Encoder
	if c.Development {
		cfg := encoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		console = zapcore.NewConsoleEncoder(cfg)
	} else {
		console = zapcore.NewConsoleEncoder(encoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(console, w, level)}
	if c.File != "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), FileWriter(c), level))
	}
	opts := []zap.Option{zap.AddCaller()}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}
