package model

import (
	"testing"
	"time"
)

func TestApplication_StepDecision_latestWins(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	app := Application{
		Decisions: []StepDecision{
			{Step: StatusPendingQualityManager, Decision: DecisionPendingInfo, CreatedAt: base},
			{Step: StatusPendingPurchaser, Decision: DecisionApproved, CreatedAt: base.Add(-time.Hour)},
			{Step: StatusPendingQualityManager, Decision: DecisionApproved, CreatedAt: base.Add(time.Hour)},
		},
	}

	d, ok := app.StepDecision(StatusPendingQualityManager)
	if !ok {
		t.Fatal("StepDecision(pending_quality_manager) not found")
	}
	if d.Decision != DecisionApproved {
		t.Errorf("Decision = %q, want %q", d.Decision, DecisionApproved)
	}

	if _, ok := app.StepDecision(StatusPendingCashier); ok {
		t.Error("StepDecision(pending_cashier) should not be found")
	}
}

func TestApplication_StepDecision_sameTimestampUsesAppendOrder(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	app := Application{
		Decisions: []StepDecision{
			{Step: StatusPendingPurchaser, Decision: DecisionPendingInfo, CreatedAt: at},
			{Step: StatusPendingPurchaser, Decision: DecisionApproved, CreatedAt: at},
		},
	}
	d, _ := app.StepDecision(StatusPendingPurchaser)
	if d.Decision != DecisionApproved {
		t.Errorf("Decision = %q, want %q", d.Decision, DecisionApproved)
	}
}

func TestStatuses(t *testing.T) {
	if len(Statuses) != 10 {
		t.Fatalf("len(Statuses) = %d, want 10", len(Statuses))
	}
	for _, s := range Statuses {
		if !IsKnownStatus(s) {
			t.Errorf("IsKnownStatus(%q) = false", s)
		}
	}
	if IsKnownStatus("pending_unknown") {
		t.Error("IsKnownStatus(pending_unknown) = true")
	}
	if !IsTerminalStatus(StatusActivated) || !IsTerminalStatus(StatusRejected) {
		t.Error("activated and rejected must be terminal")
	}
	if IsTerminalStatus(StatusPendingCodeBinding) {
		t.Error("pending_code_binding must not be terminal")
	}
}

func TestBlacklistEntry_InEffect(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name  string
		entry BlacklistEntry
		want  bool
	}{
		{"active without expiry", BlacklistEntry{Active: true}, true},
		{"active not yet expired", BlacklistEntry{Active: true, ExpiresAt: &future}, true},
		{"active but expired", BlacklistEntry{Active: true, ExpiresAt: &past}, false},
		{"inactive", BlacklistEntry{Active: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.InEffect(now); got != tt.want {
				t.Errorf("InEffect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDraft_Expired(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if (Draft{Status: DraftStatusActive, ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Error("future expiry should not be expired")
	}
	if !(Draft{Status: DraftStatusActive, ExpiresAt: now}).Expired(now) {
		t.Error("expiry at now should be expired")
	}
	if !(Draft{Status: DraftStatusExpired, ExpiresAt: now.Add(time.Hour)}).Expired(now) {
		t.Error("expired status should be expired")
	}
}

func TestAuditRange_Contains(t *testing.T) {
	start, end := int64(3), int64(5)
	r := AuditRange{StartID: &start, EndID: &end}
	for id, want := range map[int64]bool{2: false, 3: true, 5: true, 6: false} {
		if got := r.Contains(id); got != want {
			t.Errorf("Contains(%d) = %v, want %v", id, got, want)
		}
	}
	if !(AuditRange{}).Contains(1) {
		t.Error("open range should contain everything")
	}
}
