// Package logging builds the zap logger shared by every binary.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cartograph-backend/internal/errors"
)

// NewLogger creates the process logger for the given environment and level.
// Production gets JSON output with sampling; everything else gets the
// human-readable development encoder.
func NewLogger(environment, level string) (*zap.Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
		config.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
}

// ErrorFields flattens a UnifiedError into structured log fields so failures
// are queryable by kind and code. Plain errors log as a single field.
func ErrorFields(err error) []zap.Field {
	if err == nil {
		return nil
	}

	unified, ok := err.(*errors.UnifiedError)
	if !ok {
		return []zap.Field{zap.Error(err)}
	}

	fields := []zap.Field{
		zap.String("error_type", string(unified.Type)),
		zap.String("error_code", unified.Code),
		zap.String("error_message", unified.Message),
		zap.String("severity", string(unified.Severity)),
		zap.Bool("retryable", unified.Retryable),
	}
	if unified.Operation != "" {
		fields = append(fields, zap.String("operation", unified.Operation))
	}
	if unified.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", unified.TenantID))
	}
	if unified.Cause != nil {
		fields = append(fields, zap.NamedError("cause", unified.Cause))
	}
	return fields
}
