package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/onboarding/model"
)

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		h.AssertJSON(t, h.GET("/health", ""), http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body struct {
			Status string         `json:"status"`
			Checks map[string]any `json:"checks"`
		}
		h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &body)
		if body.Status != "ready" {
			t.Errorf("ready status = %q, want ready", body.Status)
		}
		for _, name := range []string{"store", "notifier"} {
			if _, ok := body.Checks[name]; !ok {
				t.Errorf("readiness is missing the %s check", name)
			}
		}
	})
}

func TestHarness_AuthenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/registrations/pending", ""), http.StatusUnauthorized)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		token := h.GenerateExpiredToken(StaffClaims(model.RolePurchaser))
		h.AssertStatus(t, h.GET("/registrations/pending", token), http.StatusUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/registrations/pending", "invalid-token"), http.StatusUnauthorized)
	})

	t.Run("public routes need no token", func(t *testing.T) {
		res := h.Submit(1)
		if res.ApplicationID == 0 {
			t.Error("submission returned no application id")
		}
	})
}

func TestHarness_MetricsExposed(t *testing.T) {
	h := NewTestHarness(t)
	h.Submit(1)

	resp := h.GET("/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	body := string(h.ReadBody(resp))
	for _, name := range []string{
		"onboarding_submissions_total",
		"onboarding_audit_entries_total",
		"onboarding_notifications_total",
		"onboarding_http_requests_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output is missing %s", name)
		}
	}
}
