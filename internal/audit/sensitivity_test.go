package audit

import "testing"

func TestSensitivity_IsSensitive(t *testing.T) {
	s := NewSensitivity([]string{"bind_supplier_code", " Reject "})

	tests := []struct {
		action string
		want   bool
	}{
		{"bind_supplier_code", true},
		{"reject", true},
		{"REJECT", true},
		{"approve_step", false},
		{"request_info", false},
		{"submit", false},
		{"delete_document", true},
		{"export_suppliers", true},
		{"blacklist_add", true},
		{"revoke_session", true},
		{"account_suspended", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			if got := s.IsSensitive(tt.action); got != tt.want {
				t.Errorf("IsSensitive(%q) = %v, want %v", tt.action, got, tt.want)
			}
		})
	}
}

func TestSensitivity_nilUsesKeywordsOnly(t *testing.T) {
	var s *Sensitivity
	if !s.IsSensitive("purge_drafts") {
		t.Error("keyword match should not need configuration")
	}
	if s.IsSensitive("bind_supplier_code") {
		t.Error("unconfigured action should not be sensitive")
	}
}
