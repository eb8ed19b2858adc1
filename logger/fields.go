package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging. Use these instead of raw
// strings so log queries stay stable.
const (
	// Identity
	FieldOccurrenceID = "occurrence_id"
	FieldJobName      = "job_name"
	FieldWorkerID     = "worker_id"

	// Components
	FieldComponent = "component"
	FieldStore     = "store"

	// Scheduling
	FieldSchedule  = "schedule"
	FieldNextRunAt = "next_run_at"
	FieldResult    = "result"
	FieldFailCount = "fail_count"
	FieldReason    = "reason"
	FieldInFlight  = "in_flight"
	FieldLimit     = "limit"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"

	// Errors
	FieldError             = "error"
	FieldConsecutiveErrors = "consecutive_errors"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	// State
	FieldState = "state"
	FieldPath  = "path"
)

type contextKey string

const (
	occurrenceIDKey contextKey = "logger_occurrence_id"
	jobNameKey      contextKey = "logger_job_name"
)

// WithOccurrence adds occurrence identity to the context for logging.
// Handlers receive a context carrying both values.
func WithOccurrence(ctx context.Context, occurrenceID, jobName string) context.Context {
	ctx = context.WithValue(ctx, occurrenceIDKey, occurrenceID)
	return context.WithValue(ctx, jobNameKey, jobName)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(occurrenceIDKey).(string); ok && id != "" {
		fields = append(fields, FieldOccurrenceID, id)
	}
	if name, ok := ctx.Value(jobNameKey).(string); ok && name != "" {
		fields = append(fields, FieldJobName, name)
	}

	return fields
}

// LoggerFromContext returns the global logger with the context's fields attached.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for dependency injection.
//
//	d := dispatch.New(reg, st, bus, logger.ComponentLogger("pulse.dispatch"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
