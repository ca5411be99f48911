package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger configured for structured production logging.
// Every entry carries the component name, and the device id when one is given,
// so device and hub logs can be told apart after collection.
func NewLogger(level, component, deviceID string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	fields := map[string]interface{}{}
	if component = strings.TrimSpace(component); component != "" {
		fields["component"] = component
	}
	if deviceID = strings.TrimSpace(deviceID); deviceID != "" {
		fields["device_id"] = deviceID
	}
	if len(fields) > 0 {
		cfg.InitialFields = fields
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
