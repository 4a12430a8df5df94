package observability

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/model"
)

// Log field keys shared by every line about an application.
const (
	FieldApplicationID = "application_id"
	FieldStep          = "step"
	FieldCodePrefix    = "code_prefix"
	FieldSupplierCode  = "supplier_code"
)

type loggerKey struct{}

// NewLogger builds the service's JSON logger. An unknown level falls back
// to info.
//
// Levels:
//   - error: store failures, broken audit chain links, 5xx responses
//   - warn:  4xx responses, notifier failures, binding retries
//   - info:  submissions, step decisions, code binding, archive runs
//   - debug: draft saves, audit appends, redacted submission payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": ServiceName},
	}
	return zapCfg.Build()
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger with the authenticated actor's
// fields.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	actor := model.ActorFrom(ctx)
	if actor == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", actor.SubjectID),
		zap.String("role", actor.NormalizedRole()),
		zap.String("correlation_id", actor.CorrelationID),
	}
	if actor.TraceID != "" {
		fields = append(fields, zap.String("trace_id", actor.TraceID))
	}
	return logger.With(fields...)
}

// ApplicationFields names application id at workflow step. An unsaved id
// and a blank step are left out.
func ApplicationFields(id int64, step string) []zap.Field {
	var fields []zap.Field
	if id > 0 {
		fields = append(fields, zap.Int64(FieldApplicationID, id))
	}
	if step != "" {
		fields = append(fields, zap.String(FieldStep, step))
	}
	return fields
}

// AllocationFields names the prefix a supplier code came from and the code.
func AllocationFields(prefix, code string) []zap.Field {
	fields := []zap.Field{zap.String(FieldCodePrefix, prefix)}
	if code != "" {
		fields = append(fields, zap.String(FieldSupplierCode, code))
	}
	return fields
}

// WithApplication scopes ctx to one application: the context logger gains
// the application fields and the active span the matching attributes, so
// the audit writer and notifier lines downstream name the application.
func WithApplication(ctx context.Context, fallback *zap.Logger, id int64, step string) context.Context {
	TagApplication(ctx, id, step)
	fields := ApplicationFields(id, step)
	if len(fields) == 0 {
		return ctx
	}
	return WithLogger(ctx, LoggerFrom(ctx, fallback).With(fields...))
}

// redactedPayloadFields never reach the logs in clear.
var redactedPayloadFields = map[string]bool{
	"password":              true,
	"token":                 true,
	"draft_token":           true,
	"bank_account_number":   true,
	"business_license_file": true,
	"bank_account_file":     true,
}

// RedactPayload decodes a registration payload for debug logging with bank
// details, tokens and uploaded files replaced by "[REDACTED]". A payload
// that is not a JSON object yields nil.
func RedactPayload(raw json.RawMessage) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	return redact(body)
}

func redact(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if redactedPayloadFields[k] {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = redact(nested)
		}
		out[k] = v
	}
	return out
}
