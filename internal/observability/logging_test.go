package observability

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/model"
)

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level    string
		enabled  zapcore.Level
		disabled zapcore.Level
		checkLow bool
	}{
		{level: "debug", enabled: zapcore.DebugLevel},
		{level: "info", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel, checkLow: true},
		{level: "warn", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel, checkLow: true},
		{level: "bogus", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel, checkLow: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer logger.Sync()

			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("%s should be enabled", tt.enabled)
			}
			if tt.checkLow && logger.Core().Enabled(tt.disabled) {
				t.Errorf("%s should be disabled", tt.disabled)
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom without a stored logger should return the fallback")
	}

	stored := zap.NewNop()
	if got := LoggerFrom(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name   string
		actor  *model.Actor
		want   map[string]any
		absent []string
	}{
		{
			name:  "staff with trace",
			actor: &model.Actor{SubjectID: "acct-42", Role: "Finance-Accountant", CorrelationID: "corr-abc", TraceID: "trace-xyz"},
			want:  map[string]any{"subject_id": "acct-42", "role": "finance_accountant", "correlation_id": "corr-abc", "trace_id": "trace-xyz"},
		},
		{
			name:   "tracking account without trace",
			actor:  &model.Actor{SubjectID: "ops@acme.example", Role: "tracking", CorrelationID: "corr-def"},
			want:   map[string]any{"subject_id": "ops@acme.example", "role": "tracking"},
			absent: []string{"trace_id"},
		},
		{
			name:   "anonymous applicant",
			absent: []string{"subject_id", "role", "trace_id"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			ctx := context.Background()
			if tt.actor != nil {
				ctx = model.WithActor(ctx, tt.actor)
			}
			RequestLogger(ctx, zap.New(core)).Info("request handled")

			fields := logs.All()[0].ContextMap()
			for k, v := range tt.want {
				if fields[k] != v {
					t.Errorf("%s = %v, want %v", k, fields[k], v)
				}
			}
			for _, k := range tt.absent {
				if _, ok := fields[k]; ok {
					t.Errorf("%s should not be logged", k)
				}
			}
		})
	}
}

func TestWithApplication(t *testing.T) {
	exporter := setupTestTracer(t)
	core, logs := observer.New(zapcore.DebugLevel)
	fallback := zap.New(core)

	ctx, span := StartSpan(context.Background(), "registration.Decide")
	ctx = WithApplication(ctx, fallback, 42, model.StatusPendingQualityManager)
	LoggerFrom(ctx, zap.NewNop()).Info("step decision recorded")
	span.End()

	fields := logs.All()[0].ContextMap()
	if fields[FieldApplicationID] != int64(42) {
		t.Errorf("%s = %v, want 42", FieldApplicationID, fields[FieldApplicationID])
	}
	if fields[FieldStep] != model.StatusPendingQualityManager {
		t.Errorf("%s = %v, want %s", FieldStep, fields[FieldStep], model.StatusPendingQualityManager)
	}

	attrs := spanAttrMap(onlySpan(t, exporter))
	if attrs["onboarding.application_id"] != "42" || attrs["onboarding.step"] != model.StatusPendingQualityManager {
		t.Errorf("span attributes = %v", attrs)
	}
}

func TestWithApplication_keepsRequestFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).With(zap.String("correlation_id", "corr-1"))
	ctx := WithLogger(context.Background(), base)

	ctx = WithApplication(ctx, zap.NewNop(), 7, model.StatusPendingCodeBinding)
	LoggerFrom(ctx, nil).Info("supplier code bound", AllocationFields("810", "8100001")...)

	fields := logs.All()[0].ContextMap()
	want := map[string]any{
		"correlation_id":   "corr-1",
		FieldApplicationID: int64(7),
		FieldStep:          model.StatusPendingCodeBinding,
		FieldCodePrefix:    "810",
		FieldSupplierCode:  "8100001",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestWithApplication_unsavedLeavesContext(t *testing.T) {
	ctx := context.Background()
	if got := WithApplication(ctx, zap.NewNop(), 0, ""); got != ctx {
		t.Error("WithApplication with no id or step should return ctx unchanged")
	}
}

func TestAllocationFields(t *testing.T) {
	if got := AllocationFields("613", ""); len(got) != 1 || got[0].Key != FieldCodePrefix {
		t.Errorf("AllocationFields without code = %v, want only %s", got, FieldCodePrefix)
	}
	if got := AllocationFields("613", "6130002"); len(got) != 2 || got[1].String != "6130002" {
		t.Errorf("AllocationFields with code = %v", got)
	}
}

func TestRedactPayload(t *testing.T) {
	raw := json.RawMessage(`{
		"company_name": "Acme Trading Ltd",
		"contact_email": "ops@acme.example",
		"bank_account_number": "6222020200112233",
		"business_license_file": {"file_name": "lic.pdf", "content": "JVBERi0x"},
		"extra": {"draft_token": "tok-1", "region": "east"}
	}`)

	got := RedactPayload(raw)
	if got["company_name"] != "Acme Trading Ltd" || got["contact_email"] != "ops@acme.example" {
		t.Errorf("plain fields changed: %v", got)
	}
	for _, k := range []string{"bank_account_number", "business_license_file"} {
		if got[k] != "[REDACTED]" {
			t.Errorf("%s = %v, want [REDACTED]", k, got[k])
		}
	}
	nested, ok := got["extra"].(map[string]any)
	if !ok {
		t.Fatalf("extra = %T, want a nested object", got["extra"])
	}
	if nested["draft_token"] != "[REDACTED]" || nested["region"] != "east" {
		t.Errorf("nested = %v", nested)
	}
}

func TestRedactPayload_notAnObject(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `"text"`, `{broken`} {
		if got := RedactPayload(json.RawMessage(raw)); got != nil {
			t.Errorf("RedactPayload(%s) = %v, want nil", raw, got)
		}
	}
}
