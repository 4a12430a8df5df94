package capability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/workflow"
	"github.com/pitabwire/onboarding/model"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

// --- StaticPolicy ---

func TestStaticPolicy_builtInCoversEveryStep(t *testing.T) {
	p, err := NewStaticPolicy("")
	if err != nil {
		t.Fatalf("NewStaticPolicy() error = %v", err)
	}

	for _, step := range workflow.Steps() {
		perms := p.Permissions(step.Role)
		if !perms.Has(step.Permission) {
			t.Errorf("role %s lacks %s", step.Role, step.Permission)
		}
		for _, other := range workflow.Steps() {
			if other.Permission != step.Permission && perms.Has(other.Permission) {
				t.Errorf("role %s also holds %s", step.Role, other.Permission)
			}
		}
	}
}

func TestStaticPolicy_wildcardAndTracking(t *testing.T) {
	p, _ := NewStaticPolicy("")

	admin := p.Permissions("admin")
	if !admin.Has(workflow.PermApproveCashier) || !admin.Has(PermAuditArchive) {
		t.Error("admin should match every registration and audit permission")
	}

	tracking := p.Permissions(model.RoleTracking)
	if !tracking.Has(PermRegistrationStatus) || tracking.Has(PermRegistrationView) {
		t.Errorf("tracking permissions = %v", tracking)
	}
}

func TestStaticPolicy_normalizesRoleNames(t *testing.T) {
	p, _ := NewStaticPolicy("")
	if !p.Permissions("Finance-Accountant").Has(workflow.PermApproveAccountant) {
		t.Error("Finance-Accountant should resolve to finance_accountant")
	}
}

func TestStaticPolicy_unknownRole(t *testing.T) {
	p, _ := NewStaticPolicy("")
	if perms := p.Permissions("janitor"); len(perms) != 0 {
		t.Errorf("Permissions(janitor) = %v, want empty", perms)
	}
}

func TestStaticPolicy_fileAndSync(t *testing.T) {
	path := writePolicy(t, "roles:\n  purchaser: [registration.view]\n")
	p, err := NewStaticPolicy(path)
	if err != nil {
		t.Fatalf("NewStaticPolicy() error = %v", err)
	}
	if p.Permissions(model.RolePurchaser).Has(workflow.PermApprovePurchaser) {
		t.Error("file policy should replace the built-in one")
	}

	if err := os.WriteFile(path, []byte("roles:\n  purchaser: [registration.approve.*]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := p.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !p.Permissions(model.RolePurchaser).Has(workflow.PermApprovePurchaser) {
		t.Error("Sync() did not reload the policy")
	}
}

func TestStaticPolicy_badFiles(t *testing.T) {
	tests := map[string]string{
		"missing": filepath.Join(t.TempDir(), "nope.yaml"),
		"invalid": writePolicy(t, "roles: [unclosed"),
		"empty":   writePolicy(t, "roles: {}\n"),
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewStaticPolicy(path); err == nil {
				t.Error("NewStaticPolicy() error = nil")
			}
		})
	}
}

// --- Resolver ---

type countingPolicy struct {
	calls int
}

func (p *countingPolicy) Permissions(roles ...string) model.PermissionSet {
	p.calls++
	return model.NewPermissionSet("registration.view")
}

func TestResolver_cachesPerActor(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	policy := &countingPolicy{}
	r := NewResolver(policy, 5*time.Minute, 0, m)
	actor := &model.Actor{SubjectID: "u-1", Role: model.RolePurchaser}

	for range 3 {
		if !r.Resolve(actor).Has("registration.view") {
			t.Fatal("Resolve() missing registration.view")
		}
	}

	if policy.calls != 1 {
		t.Errorf("policy calls = %d, want 1", policy.calls)
	}
	if got := testutil.ToFloat64(m.CapabilityCacheHitsTotal); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CapabilityCacheMissesTotal); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}

	// A role change is a different cache entry.
	r.Resolve(&model.Actor{SubjectID: "u-1", Role: model.RoleQualityManager})
	if policy.calls != 2 {
		t.Errorf("policy calls = %d after role change, want 2", policy.calls)
	}
}

func TestResolver_ttlAndInvalidate(t *testing.T) {
	policy := &countingPolicy{}
	r := NewResolver(policy, time.Minute, 0, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	actor := &model.Actor{SubjectID: "u-1", Role: model.RolePurchaser}

	r.Resolve(actor)
	now = now.Add(2 * time.Minute)
	r.Resolve(actor)
	if policy.calls != 2 {
		t.Fatalf("policy calls = %d after expiry, want 2", policy.calls)
	}

	r.Invalidate("u-1")
	r.Resolve(actor)
	if policy.calls != 3 {
		t.Errorf("policy calls = %d after invalidate, want 3", policy.calls)
	}
}

func TestResolver_maxEntries(t *testing.T) {
	r := NewResolver(&countingPolicy{}, time.Hour, 2, nil)
	for _, id := range []string{"a", "b", "c"} {
		r.Resolve(&model.Actor{SubjectID: id, Role: model.RolePurchaser})
	}
	if got := r.Len(); got > 2 {
		t.Errorf("Len() = %d, want <= 2", got)
	}
}
