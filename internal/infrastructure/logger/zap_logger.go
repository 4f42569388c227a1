package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production logger writing to stderr. format is "json"
// or "console".
func NewLogger(level, format string) (*zap.Logger, error) {
	return build(level, format, nil)
}

// NewFileLogger also tees every entry into path.
func NewFileLogger(path, level, format string) (*zap.Logger, error) {
	return build(level, format, []string{path})
}

func build(level, format string, extraOutputs []string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	// Parse level
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		l = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(l)

	if format == "console" {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	config.OutputPaths = append(config.OutputPaths, extraOutputs...)

	return config.Build()
}
