package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// FieldRun is the structured log field key for the batch run identifier.
	FieldRun = "run_id"
	// FieldCalculator is the structured log field key for the calculator name.
	FieldCalculator = "calculator"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields safely attaches the provided fields to the logger.
// If the logger is nil or no fields are supplied, the input logger is returned
// unchanged, defaulting to a no-op logger when nil.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// RunFields returns standard zap fields that describe a batch run and the
// calculator emitting the entry. Empty values are ignored to keep log
// entries compact when information is missing.
func RunFields(runID, calculator string) []zap.Field {
	return StringFields(
		StringField{Key: FieldRun, Value: runID},
		StringField{Key: FieldCalculator, Value: calculator},
	)
}

// WithRunFields attaches the common batch run fields to the provided logger.
// If the logger is nil, a no-op logger is created to avoid panics.
func WithRunFields(logger *zap.Logger, runID, calculator string) *zap.Logger {
	fields := RunFields(runID, calculator)
	return WithFields(logger, fields...)
}
