package model

import (
	"context"
	"testing"
)

func TestActor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		actor   *Actor
		wantErr bool
	}{
		{
			name:    "valid actor",
			actor:   &Actor{SubjectID: "user-1", Role: "purchaser"},
			wantErr: false,
		},
		{
			name:    "missing SubjectID",
			actor:   &Actor{Role: "purchaser"},
			wantErr: true,
		},
		{
			name:    "missing Role",
			actor:   &Actor{SubjectID: "user-1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			actor:   &Actor{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.actor.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeRole(t *testing.T) {
	tests := map[string]string{
		"purchaser":            "purchaser",
		"  Finance-Accountant ": "finance_accountant",
		"Quality Manager":      "quality_manager",
		"":                     "",
	}
	for in, want := range tests {
		if got := NormalizeRole(in); got != want {
			t.Errorf("NormalizeRole(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestActor_IsTrackingAccount(t *testing.T) {
	if !(&Actor{Role: "tracking"}).IsTrackingAccount() {
		t.Error("role tracking should be a tracking account")
	}
	if !(&Actor{Role: "temp", AccountType: "TRACKING"}).IsTrackingAccount() {
		t.Error("account type tracking should be a tracking account")
	}
	if (&Actor{Role: "purchaser", AccountType: "staff"}).IsTrackingAccount() {
		t.Error("staff purchaser should not be a tracking account")
	}
}

func TestActor_HasPermission(t *testing.T) {
	a := &Actor{Permissions: NewPermissionSet("registration.approve.*")}
	if !a.HasPermission("registration.approve.quality") {
		t.Error("wildcard permission should match")
	}
	if (&Actor{}).HasPermission("registration.approve.quality") {
		t.Error("actor without permissions should not match")
	}
}

func TestActor_Claim(t *testing.T) {
	a := &Actor{Claims: map[string]any{"email": "user@example.com"}}
	if got := a.Claim("email"); got != "user@example.com" {
		t.Errorf("Claim(email) = %v", got)
	}
	if got := (&Actor{}).Claim("any"); got != nil {
		t.Errorf("Claim(any) on nil claims = %v, want nil", got)
	}
}

func TestWithActor_and_ActorFrom(t *testing.T) {
	actor := &Actor{SubjectID: "user-1", Role: "purchaser"}
	ctx := WithActor(context.Background(), actor)
	if got := ActorFrom(ctx); got != actor {
		t.Errorf("ActorFrom() = %v, want %v", got, actor)
	}
	if got := ActorFrom(context.Background()); got != nil {
		t.Errorf("ActorFrom(empty context) = %v, want nil", got)
	}
}

func TestMustActor_absent_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustActor(empty context) did not panic")
		}
	}()
	MustActor(context.Background())
}
