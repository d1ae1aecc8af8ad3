// Package logger builds the process-wide zap logger from the LOG_FORMAT
// setting: human-readable text for terminals, JSON for log shippers.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// New builds a logger for the given format and level name. Unknown levels
// default to info; an unknown format is an error.
func New(format, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	var conf zap.Config
	switch format {
	case FormatText, "":
		conf = zap.NewDevelopmentConfig()
		conf.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case FormatJSON:
		conf = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q (want %s or %s)", format, FormatText, FormatJSON)
	}
	conf.Level = zap.NewAtomicLevelAt(lvl)
	conf.DisableStacktrace = true

	return conf.Build()
}
