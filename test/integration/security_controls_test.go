package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/onboarding/internal/registration"
	"github.com/pitabwire/onboarding/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Signed with a key that is not in the JWKS.
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	claims := jwt.MapClaims{
		"iss":   h.issuer.Issuer(),
		"aud":   h.issuer.Audience(),
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"sub":   "purchaser-1",
		"email": "buyer@corp.example",
		"role":  model.RolePurchaser,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	h.AssertStatus(t, h.GET("/registrations/pending", signed), http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT","kid":"test-key-1"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(
		`{"sub":"admin-1","role":"admin","iss":%q,"aud":%q}`, h.issuer.Issuer(), h.issuer.Audience())))
	noneToken := header + "." + payload + "."

	h.AssertStatus(t, h.GET("/audit/verify", noneToken), http.StatusUnauthorized)
}

func TestSecurity_WrongAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{
		SubjectID: "purchaser-1",
		Role:      model.RolePurchaser,
		Extra:     map[string]any{"aud": "some-other-service"},
	})

	h.AssertStatus(t, h.GET("/registrations/pending", token), http.StatusUnauthorized)
}

func TestSecurity_TokenWithoutRole_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{SubjectID: "nobody"})

	h.AssertErrorCode(t, h.GET("/registrations/pending", token), http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertStatus(t, h.GET("/registrations/pending", "not.a.valid.jwt.token"), http.StatusUnauthorized)
}

// ==========================================================================
// Authorization Tests
// ==========================================================================

func TestSecurity_StepOwnership(t *testing.T) {
	h := NewTestHarness(t)
	id := h.Submit(1).ApplicationID
	path := fmt.Sprintf("/registrations/%d/approve", id)

	// Every role but the purchaser is turned away at the first step.
	for _, role := range staffRoles {
		t.Run(role, func(t *testing.T) {
			resp := h.POST(path, nil, h.StaffToken(role))
			h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)
		})
	}

	t.Run("admin cannot approve", func(t *testing.T) {
		resp := h.POST(path, nil, h.GenerateToken(AdminClaims()))
		h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)
	})

	t.Run("purchaser can", func(t *testing.T) {
		res := h.Approve(id, model.RolePurchaser)
		if res.Status != model.StatusPendingQualityManager {
			t.Errorf("status = %q, want %q", res.Status, model.StatusPendingQualityManager)
		}
	})
}

func TestSecurity_PurchaserSeesOnlyAssignedApplications(t *testing.T) {
	h := NewTestHarness(t)
	h.Submit(1)

	other := h.GenerateToken(TestClaims{
		SubjectID:   "purchaser-2",
		Email:       "other.buyer@corp.example",
		Role:        model.RolePurchaser,
		AccountType: model.AccountTypeStaff,
	})

	var list registration.ApplicationList
	h.AssertJSON(t, h.GET("/registrations/pending", other), http.StatusOK, &list)
	if list.Total != 0 {
		t.Errorf("unassigned purchaser sees %d applications, want 0", list.Total)
	}

	h.AssertJSON(t, h.GET("/registrations/pending", h.StaffToken(model.RolePurchaser)), http.StatusOK, &list)
	if list.Total != 1 {
		t.Errorf("assigned purchaser sees %d applications, want 1", list.Total)
	}
}

func TestSecurity_TrackingAccountIsolation(t *testing.T) {
	h := NewTestHarness(t)
	first := h.Submit(1).ApplicationID
	second := h.Submit(2).ApplicationID
	token := h.GenerateToken(TrackingClaims(1))

	var st registration.ApplicationStatus
	h.AssertJSON(t, h.GET("/registrations/me/status", token), http.StatusOK, &st)
	if st.ApplicationID != first {
		t.Errorf("me/status application = %d, want %d", st.ApplicationID, first)
	}

	h.AssertStatus(t, h.GET(fmt.Sprintf("/registrations/%d", first), token), http.StatusOK)
	h.AssertErrorCode(t, h.GET(fmt.Sprintf("/registrations/%d", second), token), http.StatusForbidden, model.ErrForbidden)
	h.AssertErrorCode(t, h.GET(fmt.Sprintf("/registrations/%d/history", second), token), http.StatusForbidden, model.ErrForbidden)
}

func TestSecurity_AuditPermissions(t *testing.T) {
	h := NewTestHarness(t)
	h.Submit(1)

	tests := []struct {
		name   string
		claims TestClaims
		method string
		path   string
		want   int
	}{
		{"auditor verifies", AuditorClaims(), "GET", "/audit/verify", http.StatusOK},
		{"auditor reads entries", AuditorClaims(), "GET", "/audit/entities/supplier_registration/1", http.StatusOK},
		{"auditor cannot archive", AuditorClaims(), "POST", "/audit/1/archive", http.StatusForbidden},
		{"purchaser cannot verify", StaffClaims(model.RolePurchaser), "GET", "/audit/verify", http.StatusForbidden},
		{"tracking cannot read", TrackingClaims(1), "GET", "/audit/entities/supplier_registration/1", http.StatusForbidden},
		{"admin archives", AdminClaims(), "POST", "/audit/1/archive", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := h.GenerateToken(tt.claims)
			var resp *http.Response
			if tt.method == "POST" {
				resp = h.POST(tt.path, nil, token)
			} else {
				resp = h.GET(tt.path, token)
			}
			h.AssertStatus(t, resp, tt.want)
		})
	}
}

func TestSecurity_TemporaryPasswordNotAudited(t *testing.T) {
	h := NewTestHarness(t)
	res := h.Submit(1)
	if res.TemporaryPassword == "" {
		t.Fatal("submission returned no temporary password")
	}

	body := h.ReadBody(h.GET("/audit/entities/supplier_registration/1", h.GenerateToken(AuditorClaims())))
	if strings.Contains(string(body), res.TemporaryPassword) {
		t.Error("audit entries contain the temporary password")
	}
}
