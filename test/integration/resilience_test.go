package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/model"
)

// ==========================================================================
// Notifier Circuit Breaker Tests
// ==========================================================================

func TestResilience_SubmissionsSurvivePublisherOutage(t *testing.T) {
	h := NewTestHarness(t)
	h.Publisher.SetFailing(true)

	res := h.Submit(1)
	if res.Status != model.StatusPendingPurchaser {
		t.Errorf("status = %q, want %q", res.Status, model.StatusPendingPurchaser)
	}
	if got := testutil.ToFloat64(h.Metrics.NotificationsTotal.WithLabelValues("approval_required", "failed")); got != 1 {
		t.Errorf("failed notifications = %v, want 1", got)
	}
}

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
	)
	h.Publisher.SetFailing(true)

	h.Submit(1)
	h.Submit(2)
	attempts := h.Publisher.Attempts()

	// With the breaker open the publisher is no longer called.
	h.Submit(3)
	if got := h.Publisher.Attempts(); got != attempts {
		t.Errorf("publisher called %d more times with the breaker open, want 0", got-attempts)
	}
	if got := testutil.ToFloat64(h.Metrics.NotificationsTotal.WithLabelValues("approval_required", "breaker_open")); got != 1 {
		t.Errorf("breaker_open notifications = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.Metrics.NotifierCircuitBreakerState); got != 2 {
		t.Errorf("breaker state gauge = %v, want 2 (open)", got)
	}

	// Readiness reports the open breaker.
	h.AssertStatus(t, h.GET("/ready", ""), http.StatusServiceUnavailable)
}

func TestResilience_CircuitBreakerRecoveryAfterTimeout(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			Timeout:          500 * time.Millisecond,
		}),
	)
	h.Publisher.SetFailing(true)
	h.Submit(1)

	time.Sleep(750 * time.Millisecond)
	h.Publisher.SetFailing(false)

	h.Submit(2)
	if n := len(h.Publisher.Messages()); n != 1 {
		t.Errorf("delivered notifications = %d, want 1 after recovery", n)
	}
	if got := testutil.ToFloat64(h.Metrics.NotifierCircuitBreakerState); got != 0 {
		t.Errorf("breaker state gauge = %v, want 0 (closed)", got)
	}
}

// ==========================================================================
// Idempotency
// ==========================================================================

func TestResilience_RetriedSubmissionIsReplayed(t *testing.T) {
	h := NewTestHarness(t)
	headers := map[string]string{"X-Idempotency-Key": "retry-1"}

	first := h.POSTWithHeaders("/public/registrations", RegistrationPayload(1), "", headers)
	second := h.POSTWithHeaders("/public/registrations", RegistrationPayload(1), "", headers)

	if first.StatusCode != http.StatusCreated || second.StatusCode != http.StatusCreated {
		t.Fatalf("statuses = %d, %d, want 201, 201", first.StatusCode, second.StatusCode)
	}
	if second.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("retry was not served from the idempotency store")
	}
	if string(h.ReadBody(first)) != string(h.ReadBody(second)) {
		t.Error("replayed body differs from the original")
	}
	if got := testutil.ToFloat64(h.Metrics.IdempotentReplays); got != 1 {
		t.Errorf("idempotent replays = %v, want 1", got)
	}
}
