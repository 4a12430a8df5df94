package registration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/model"
)

func TestSubmitCreatesApplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.submit(t, payloadN(t, 0))
	if res.Status != model.StatusPendingPurchaser {
		t.Errorf("Status = %q, want %q", res.Status, model.StatusPendingPurchaser)
	}
	if res.TrackingUsername != "li.wei@acme.example" {
		t.Errorf("TrackingUsername = %q, want %q", res.TrackingUsername, "li.wei@acme.example")
	}
	if res.TemporaryPassword != testPassword {
		t.Errorf("TemporaryPassword = %q, want %q", res.TemporaryPassword, testPassword)
	}
	if res.TrackingToken == "" {
		t.Error("TrackingToken is empty")
	}
	if want := "/public/registrations/status/" + res.TrackingToken; res.TrackingURL != want {
		t.Errorf("TrackingURL = %q, want %q", res.TrackingURL, want)
	}

	app, err := f.st.GetApplication(ctx, res.ApplicationID)
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}
	if app.Classification != "DM" || app.Currency != "RMB" {
		t.Errorf("Classification/Currency = %s/%s, want DM/RMB", app.Classification, app.Currency)
	}
	if app.TrackingToken != res.TrackingToken {
		t.Errorf("stored TrackingToken = %q, want %q", app.TrackingToken, res.TrackingToken)
	}
	if app.AssignedPurchaserID != "purchaser-1" {
		t.Errorf("AssignedPurchaserID = %q, want purchaser-1", app.AssignedPurchaserID)
	}
	if app.AssignedPurchaserEmail != "buyer@corp.example" {
		t.Errorf("AssignedPurchaserEmail = %q, want buyer@corp.example", app.AssignedPurchaserEmail)
	}
	if app.Profile.CompanyName != "Acme Trading Ltd" {
		t.Errorf("CompanyName = %q, want %q", app.Profile.CompanyName, "Acme Trading Ltd")
	}
	if app.Profile.BusinessLicenseFile != nil || app.Profile.BankAccountFile != nil {
		t.Error("stored profile still carries upload contents")
	}
	if len(app.Documents) != 2 {
		t.Fatalf("len(Documents) = %d, want 2", len(app.Documents))
	}
	if app.Documents[0].Kind != DocumentBusinessLicense || app.Documents[1].Kind != DocumentBankAccount {
		t.Errorf("document kinds = %s, %s", app.Documents[0].Kind, app.Documents[1].Kind)
	}
	if n := countFiles(t, f.docsDir); n != 2 {
		t.Errorf("stored files = %d, want 2", n)
	}

	acct, err := f.st.GetAccount(ctx, "li.wei@acme.example")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Role != model.RoleTracking || acct.AccountType != model.AccountTypeTracking {
		t.Errorf("account role/type = %s/%s, want tracking/tracking", acct.Role, acct.AccountType)
	}
	if !acct.MustChangePassword {
		t.Error("MustChangePassword = false, want true")
	}
	if acct.Name != "Acme Trading Ltd (Tracking Account)" {
		t.Errorf("Name = %q", acct.Name)
	}
	if acct.RelatedApplicationID == nil || *acct.RelatedApplicationID != res.ApplicationID {
		t.Errorf("RelatedApplicationID = %v, want %d", acct.RelatedApplicationID, res.ApplicationID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(testPassword)); err != nil {
		t.Errorf("password hash does not match: %v", err)
	}

	entries, err := f.audit.EntityEntries(ctx, EntityType, fmt.Sprint(res.ApplicationID))
	if err != nil {
		t.Fatalf("EntityEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != ActionSubmit {
		t.Fatalf("audit entries = %+v, want one submit entry", entries)
	}
	if entries[0].ActorID != "li.wei@acme.example" {
		t.Errorf("ActorID = %q, want tracking id", entries[0].ActorID)
	}

	n, ok := f.notifier.last()
	if !ok || n.kind != "approval_required" || n.appID != res.ApplicationID {
		t.Errorf("last notification = %+v, want approval_required for %d", n, res.ApplicationID)
	}
}

func TestSubmitRecordsClientIP(t *testing.T) {
	f := newFixture(t)
	ctx := model.WithClientIP(context.Background(), "203.0.113.7")

	res, err := f.svc.Submit(ctx, payloadN(t, 0), "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	entries, err := f.audit.EntityEntries(ctx, EntityType, fmt.Sprint(res.ApplicationID))
	if err != nil {
		t.Fatalf("EntityEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].IPAddress != "203.0.113.7" {
		t.Errorf("audit ip = %+v, want 203.0.113.7", entries)
	}
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, f *fixture)
		payload  func(t *testing.T) []byte
		wantCode string
	}{
		{
			name:     "invalid payload",
			payload:  func(t *testing.T) []byte { return payloadN(t, 1, func(p map[string]any) { delete(p, "company_name") }) },
			wantCode: model.ErrValidationFailed,
		},
		{
			name: "unsupported combination",
			payload: func(t *testing.T) []byte {
				return payloadN(t, 1, func(p map[string]any) {
					p["supplier_classification"] = "idm"
					p["operating_currency"] = "KRW"
				})
			},
			wantCode: model.ErrUnsupportedCombination,
		},
		{
			name: "blacklisted credit code",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, func(ctx context.Context, tx store.Tx) error {
					_, err := tx.AddBlacklistEntry(ctx, model.BlacklistEntry{
						Type:   model.BlacklistTypeCreditCode,
						Value:  "91310000MA1FL0001X",
						Reason: "fraud",
						Active: true,
					})
					return err
				})
			},
			payload:  func(t *testing.T) []byte { return payloadN(t, 1) },
			wantCode: model.ErrForbidden,
		},
		{
			name: "blacklisted email",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, func(ctx context.Context, tx store.Tx) error {
					_, err := tx.AddBlacklistEntry(ctx, model.BlacklistEntry{
						Type:   model.BlacklistTypeEmail,
						Value:  "OWNER1@acme.example",
						Active: true,
					})
					return err
				})
			},
			payload:  func(t *testing.T) []byte { return payloadN(t, 1) },
			wantCode: model.ErrForbidden,
		},
		{
			name:     "duplicate open application",
			setup:    func(t *testing.T, f *fixture) { f.submit(t, payloadN(t, 1)) },
			payload:  func(t *testing.T) []byte { return payloadN(t, 1) },
			wantCode: model.ErrConflict,
		},
		{
			name: "contact email taken by another login",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, func(ctx context.Context, tx store.Tx) error {
					return tx.SaveAccount(ctx, model.Account{
						ID:          "staff-9",
						Username:    "owner1@acme.example",
						Role:        model.RoleQualityManager,
						AccountType: model.AccountTypeStaff,
					})
				})
			},
			payload:  func(t *testing.T) []byte { return payloadN(t, 1) },
			wantCode: model.ErrConflict,
		},
		{
			name: "unknown purchaser",
			payload: func(t *testing.T) []byte {
				return payloadN(t, 1, func(p map[string]any) { p["procurement_email"] = "nobody@corp.example" })
			},
			wantCode: model.ErrValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			before := countFiles(t, f.docsDir)

			_, err := f.svc.Submit(context.Background(), tt.payload(t), "")
			if !model.HasCode(err, tt.wantCode) {
				t.Fatalf("Submit error = %v, want %s", err, tt.wantCode)
			}
			if n := countFiles(t, f.docsDir); n != before {
				t.Errorf("stored files = %d, want %d", n, before)
			}
			if _, err := f.st.GetAccount(context.Background(), "owner1@acme.example"); tt.name != "duplicate open application" && !model.HasCode(err, model.ErrNotFound) {
				t.Errorf("tracking account created for rejected submission (err = %v)", err)
			}
		})
	}
}

func TestSubmitUnknownPurchaserNamesField(t *testing.T) {
	f := newFixture(t)
	payload := payloadN(t, 1, func(p map[string]any) { p["procurement_email"] = "nobody@corp.example" })

	_, err := f.svc.Submit(context.Background(), payload, "")
	ee, ok := model.AsEnvelope(err)
	if !ok {
		t.Fatalf("Submit error = %v, want envelope", err)
	}
	if len(ee.Details) != 1 || ee.Details[0].Field != "procurement_email" || ee.Details[0].Code != "NOT_FOUND" {
		t.Errorf("Details = %+v, want procurement_email NOT_FOUND", ee.Details)
	}
}

func TestSubmitRemovesDocumentsWhenTransactionFails(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("database unavailable")
	failing := &failingTxStore{Store: f.st, err: boom}
	f.svc.store = failing

	_, err := f.svc.Submit(context.Background(), payloadN(t, 1), "")
	if !errors.Is(err, boom) {
		t.Fatalf("Submit error = %v, want %v", err, boom)
	}
	if n := countFiles(t, f.docsDir); n != 0 {
		t.Errorf("stored files = %d, want 0 after rollback", n)
	}
	if _, ok := f.notifier.last(); ok {
		t.Error("notification sent for failed submission")
	}
}

func TestSubmitClosesDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.drafts.Save(ctx, payloadN(t, 1), "", "bank")
	if err != nil {
		t.Fatalf("Save draft: %v", err)
	}

	res, err := f.svc.Submit(ctx, payloadN(t, 1), saved.Token)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	app, err := f.st.GetApplication(ctx, res.ApplicationID)
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}
	if app.DraftToken == nil || *app.DraftToken != saved.Token {
		t.Errorf("DraftToken = %v, want %s", app.DraftToken, saved.Token)
	}

	if _, err := f.drafts.Get(ctx, saved.Token); !model.HasCode(err, model.ErrAlreadySubmitted) {
		t.Errorf("draft Get error = %v, want %s", err, model.ErrAlreadySubmitted)
	}

	_, err = f.svc.Submit(ctx, payloadN(t, 1), saved.Token)
	if !model.HasCode(err, model.ErrAlreadySubmitted) {
		t.Errorf("resubmit error = %v, want %s", err, model.ErrAlreadySubmitted)
	}
}

func TestSubmitRejectsExpiredDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := model.Draft{
		Token:     "stale-draft",
		Status:    model.DraftStatusActive,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := f.draftDB.Put(ctx, stale); err != nil {
		t.Fatalf("Put draft: %v", err)
	}

	_, err := f.svc.Submit(ctx, payloadN(t, 1), stale.Token)
	if !model.HasCode(err, model.ErrExpired) {
		t.Fatalf("Submit error = %v, want %s", err, model.ErrExpired)
	}
	if n, _ := f.st.CountApplications(ctx, store.ApplicationFilter{}); n != 0 {
		t.Errorf("applications = %d, want 0", n)
	}
	if _, err := f.drafts.Get(ctx, stale.Token); !model.HasCode(err, model.ErrExpired) {
		t.Errorf("draft Get error = %v, want %s", err, model.ErrExpired)
	}
	if _, err := f.svc.Submit(ctx, payloadN(t, 1), "no-such-draft"); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("Submit with unknown draft error = %v, want %s", err, model.ErrNotFound)
	}
}

func TestSubmitKeepsPromotedSupplierLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.submit(t, payloadN(t, 1))
	f.approveTo(t, first.ApplicationID, model.StatusPendingCodeBinding)
	if _, err := f.svc.BindSupplierCode(ctx, first.ApplicationID, f.staff(model.RoleFinanceAccountant), ""); err != nil {
		t.Fatalf("BindSupplierCode: %v", err)
	}
	f.approveTo(t, first.ApplicationID, model.StatusActivated)

	before, err := f.st.GetAccount(ctx, "owner1@acme.example")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if before.AccountType != model.AccountTypeFormal || before.Username != "8100001" {
		t.Fatalf("promoted account = %s/%s, want formal/8100001", before.AccountType, before.Username)
	}

	payload := payloadN(t, 2, func(p map[string]any) { p["contact_email"] = "owner1@acme.example" })
	_, err = f.svc.Submit(ctx, payload, "")
	ee, ok := model.AsEnvelope(err)
	if !ok || ee.Code != model.ErrConflict {
		t.Fatalf("Submit error = %v, want %s", err, model.ErrConflict)
	}
	if ee.Meta["field"] != "contact_email" {
		t.Errorf("Meta[field] = %v, want contact_email", ee.Meta["field"])
	}

	after, err := f.st.GetAccount(ctx, "owner1@acme.example")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if after.AccountType != model.AccountTypeFormal || after.Role != model.RoleTempSupplier {
		t.Errorf("account = %s/%s, want formal/%s", after.AccountType, after.Role, model.RoleTempSupplier)
	}
	if after.SupplierID == nil || before.SupplierID == nil || *after.SupplierID != *before.SupplierID {
		t.Errorf("SupplierID = %v, want %v", after.SupplierID, before.SupplierID)
	}
	if after.PasswordHash != before.PasswordHash {
		t.Error("password hash was replaced")
	}
}

func TestSubmitRefreshesTrackingAccountAfterRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.submit(t, payloadN(t, 1))
	if _, err := f.svc.Reject(ctx, first.ApplicationID, f.staff(model.RolePurchaser), "incomplete"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	second := f.submit(t, payloadN(t, 1))
	if second.ApplicationID == first.ApplicationID {
		t.Fatal("resubmission reused the rejected application")
	}
	acct, err := f.st.GetAccount(ctx, "owner1@acme.example")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.RelatedApplicationID == nil || *acct.RelatedApplicationID != second.ApplicationID {
		t.Errorf("RelatedApplicationID = %v, want %d", acct.RelatedApplicationID, second.ApplicationID)
	}
}
