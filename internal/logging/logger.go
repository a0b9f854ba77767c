package logging

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	levelKey = "log.level"

	fileMaxSizeMB  = 50
	fileMaxBackups = 5
	fileMaxAgeDays = 14
)

// Options controls logger construction.
type Options struct {
	Level string
	// File, when set, adds a rotating JSON file sink next to stderr.
	File string
}

// ParseLevel maps a configured level name to a zap level. Unknown names fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	logger, _, err := New(Options{Level: level})
	return logger, err
}

// New builds the production logger and returns its level handle so callers
// can change verbosity at runtime.
func New(options Options) (*zap.Logger, zap.AtomicLevel, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(options.Level))

	logger, err := cfg.Build()
	if err != nil {
		return nil, cfg.Level, err
	}
	if strings.TrimSpace(options.File) == "" {
		return logger, cfg.Level, nil
	}

	rotating := zapcore.AddSync(&lumberjack.Logger{
		Filename:   options.File,
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileMaxBackups,
		MaxAge:     fileMaxAgeDays,
		Compress:   true,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), rotating, cfg.Level)
	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
	return logger, cfg.Level, nil
}

// WatchLevel re-reads log.level whenever the config file changes.
func WatchLevel(configViper *viper.Viper, level zap.AtomicLevel, logger *zap.Logger) {
	if configViper.ConfigFileUsed() == "" {
		return
	}
	configViper.OnConfigChange(func(event fsnotify.Event) {
		ApplyLevel(configViper, level, logger, event.Name)
	})
	configViper.WatchConfig()
}

// ApplyLevel sets level from the current log.level value and logs changes.
func ApplyLevel(configViper *viper.Viper, level zap.AtomicLevel, logger *zap.Logger, source string) {
	next := ParseLevel(configViper.GetString(levelKey))
	if next == level.Level() {
		return
	}
	previous := level.Level()
	level.SetLevel(next)
	logger.Info("log level changed",
		zap.String("source", source),
		zap.Stringer("from", previous),
		zap.Stringer("to", next))
}
