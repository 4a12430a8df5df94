package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/pitabwire/onboarding/model"
)

// runContract exercises the behaviour every Store implementation shares.
// newStore must return an empty store.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("application round trip", func(t *testing.T) { testApplicationRoundTrip(t, newStore(t)) })
	t.Run("optimistic update", func(t *testing.T) { testOptimisticUpdate(t, newStore(t)) })
	t.Run("decisions ordered", func(t *testing.T) { testDecisionsOrdered(t, newStore(t)) })
	t.Run("list filters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("find open application", func(t *testing.T) { testFindOpenApplication(t, newStore(t)) })
	t.Run("codes across record sets", func(t *testing.T) { testCodes(t, newStore(t)) })
	t.Run("supplier code unique", func(t *testing.T) { testSupplierCodeUnique(t, newStore(t)) })
	t.Run("accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("blacklist", func(t *testing.T) { testBlacklist(t, newStore(t)) })
	t.Run("audit entries", func(t *testing.T) { testAuditEntries(t, newStore(t)) })
	t.Run("archive records", func(t *testing.T) { testArchiveRecords(t, newStore(t)) })
	t.Run("rollback on error", func(t *testing.T) { testRollback(t, newStore(t)) })
}

// ==========================================================================
// Helpers
// ==========================================================================

func mustOK(t *testing.T, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

func assertCode(t *testing.T, err error, code, what string) {
	t.Helper()
	if !model.HasCode(err, code) {
		t.Errorf("%s: error = %v, want %s", what, err, code)
	}
}

func assertIDs(t *testing.T, apps []model.Application, want []int64, what string) {
	t.Helper()
	got := make([]int64, 0, len(apps))
	for _, app := range apps {
		got = append(got, app.ID)
	}
	if !slices.Equal(got, want) {
		t.Errorf("%s: ids = %v, want %v", what, got, want)
	}
}

func sampleApplication(creditCode, email string) model.Application {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.Application{
		Profile: model.CompanyProfile{
			CompanyName:                "Acme " + creditCode,
			BusinessRegistrationNumber: creditCode,
			ContactEmail:               email,
			ProcurementEmail:           "buyer@corp.example",
			SupplierClassification:     model.ClassificationDM,
			OperatingCurrency:          "RMB",
		},
		Classification:    model.ClassificationDM,
		Currency:          "RMB",
		Status:            model.StatusPendingPurchaser,
		TrackingAccountID: email,
		TrackingToken:     "track-" + creditCode,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func mustCreate(t *testing.T, st Store, app model.Application) int64 {
	t.Helper()
	id, err := st.CreateApplication(context.Background(), app)
	mustOK(t, err, "CreateApplication")
	return id
}

// ==========================================================================
// Applications
// ==========================================================================

func testApplicationRoundTrip(t *testing.T, st Store) {
	ctx := context.Background()
	app := sampleApplication("91310000MA1K", "a@acme.example")
	token := "draft-1"
	app.DraftToken = &token
	app.Documents = []model.DocumentRef{{Kind: "business_license", Reference: "ref-1", FileName: "lic.pdf", MimeType: "application/pdf", Size: 12}}

	id := mustCreate(t, st, app)
	got, err := st.GetApplication(ctx, id)
	mustOK(t, err, "GetApplication")

	if got.ID != id {
		t.Errorf("ID = %d, want %d", got.ID, id)
	}
	if got.Profile.CompanyName != "Acme 91310000MA1K" {
		t.Errorf("CompanyName = %q", got.Profile.CompanyName)
	}
	if got.Status != model.StatusPendingPurchaser || got.Version != 0 {
		t.Errorf("status/version = %s/%d, want %s/0", got.Status, got.Version, model.StatusPendingPurchaser)
	}
	if got.DraftToken == nil || *got.DraftToken != "draft-1" {
		t.Errorf("DraftToken = %v, want draft-1", got.DraftToken)
	}
	if got.TrackingToken != "track-91310000MA1K" {
		t.Errorf("TrackingToken = %q", got.TrackingToken)
	}
	if len(got.Documents) != 1 || got.Documents[0].Reference != "ref-1" {
		t.Errorf("Documents = %+v", got.Documents)
	}

	_, err = st.GetApplication(ctx, id+100)
	assertCode(t, err, model.ErrNotFound, "missing application")
}

func testOptimisticUpdate(t *testing.T, st Store) {
	ctx := context.Background()
	id := mustCreate(t, st, sampleApplication("CC-1", "b@acme.example"))

	app, err := st.GetApplication(ctx, id)
	mustOK(t, err, "GetApplication")

	stale := app
	app.Status = model.StatusPendingQualityManager
	mustOK(t, st.UpdateApplication(ctx, app), "UpdateApplication")

	stale.Status = model.StatusRejected
	assertCode(t, st.UpdateApplication(ctx, stale), model.ErrConflict, "stale update")

	got, err := st.GetApplication(ctx, id)
	mustOK(t, err, "GetApplication")
	if got.Status != model.StatusPendingQualityManager || got.Version != 1 {
		t.Errorf("status/version = %s/%d, want %s/1", got.Status, got.Version, model.StatusPendingQualityManager)
	}
}

func testDecisionsOrdered(t *testing.T, st Store) {
	ctx := context.Background()
	id := mustCreate(t, st, sampleApplication("CC-2", "c@acme.example"))

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, decision := range []string{model.DecisionPendingInfo, model.DecisionApproved} {
		_, err := st.AppendDecision(ctx, model.StepDecision{
			ApplicationID: id,
			Step:          model.StatusPendingPurchaser,
			Decision:      decision,
			ActorID:       "buyer-1",
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
		mustOK(t, err, "AppendDecision")
	}

	app, err := st.GetApplication(ctx, id)
	mustOK(t, err, "GetApplication")
	if len(app.Decisions) != 2 {
		t.Fatalf("len(Decisions) = %d, want 2", len(app.Decisions))
	}
	if app.Decisions[0].Decision != model.DecisionPendingInfo {
		t.Errorf("first decision = %q, want %q", app.Decisions[0].Decision, model.DecisionPendingInfo)
	}

	latest, ok := app.StepDecision(model.StatusPendingPurchaser)
	if !ok || latest.Decision != model.DecisionApproved {
		t.Errorf("latest decision = %+v (%v), want approved", latest, ok)
	}
}

func testListFilters(t *testing.T, st Store) {
	ctx := context.Background()
	a := sampleApplication("CC-10", "one@acme.example")
	b := sampleApplication("CC-11", "two@acme.example")
	b.Status = model.StatusPendingAccountant
	b.Profile.ProcurementEmail = "other@corp.example"
	c := sampleApplication("CC-12", "three@acme.example")
	c.Status = model.StatusPendingCodeBinding

	idA := mustCreate(t, st, a)
	idB := mustCreate(t, st, b)
	idC := mustCreate(t, st, c)

	_, err := st.AppendDecision(ctx, model.StepDecision{
		ApplicationID: idB, Step: model.StatusPendingPurchaser, Decision: model.DecisionApproved,
		ActorID: "buyer-9", CreatedAt: time.Now().UTC(),
	})
	mustOK(t, err, "AppendDecision")

	tests := []struct {
		name   string
		filter ApplicationFilter
		want   []int64
	}{
		{"statuses", ApplicationFilter{Statuses: []string{model.StatusPendingAccountant, model.StatusPendingCodeBinding}}, []int64{idB, idC}},
		{"procurement email", ApplicationFilter{ProcurementEmail: "BUYER@corp.example"}, []int64{idA, idC}},
		{"approved by", ApplicationFilter{ApprovedBy: "buyer-9", ApprovedAtStep: model.StatusPendingPurchaser}, []int64{idB}},
		{"contact email", ApplicationFilter{ContactEmail: "three@acme.example"}, []int64{idC}},
		{"tracking token", ApplicationFilter{TrackingToken: "track-CC-11"}, []int64{idB}},
		{"unknown tracking token", ApplicationFilter{TrackingToken: "track-none"}, []int64{}},
		{"page", ApplicationFilter{Limit: 1, Offset: 1}, []int64{idB}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.ListApplications(ctx, tt.filter)
			mustOK(t, err, "ListApplications")
			assertIDs(t, got, tt.want, tt.name)
		})
	}

	n, err := st.CountApplications(ctx, ApplicationFilter{Statuses: []string{model.StatusPendingPurchaser}})
	mustOK(t, err, "CountApplications")
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func testFindOpenApplication(t *testing.T, st Store) {
	ctx := context.Background()
	token := "draft-x"
	open := sampleApplication("CC-20", "open@acme.example")
	open.DraftToken = &token
	idOpen := mustCreate(t, st, open)

	closed := sampleApplication("CC-21", "closed@acme.example")
	closed.Status = model.StatusRejected
	mustCreate(t, st, closed)

	got, err := st.FindOpenApplication(ctx, MatchCreditCode, "cc-20", "")
	mustOK(t, err, "FindOpenApplication by credit code")
	if got == nil || got.ID != idOpen {
		t.Errorf("credit code match = %v, want application %d", got, idOpen)
	}

	got, err = st.FindOpenApplication(ctx, MatchContactEmail, " OPEN@acme.example ", "")
	mustOK(t, err, "FindOpenApplication by email")
	if got == nil {
		t.Error("contact email match = nil")
	}

	got, err = st.FindOpenApplication(ctx, MatchCreditCode, "CC-20", "draft-x")
	mustOK(t, err, "FindOpenApplication excluding draft")
	if got != nil {
		t.Errorf("the application created from the same draft is not a duplicate, got %d", got.ID)
	}

	got, err = st.FindOpenApplication(ctx, MatchCreditCode, "CC-21", "")
	mustOK(t, err, "FindOpenApplication terminal")
	if got != nil {
		t.Errorf("terminal applications are not duplicates, got %d", got.ID)
	}
}

// ==========================================================================
// Codes and suppliers
// ==========================================================================

func testCodes(t *testing.T, st Store) {
	ctx := context.Background()
	code := "8100003"
	app := sampleApplication("CC-30", "codes@acme.example")
	app.SupplierCode = &code
	mustCreate(t, st, app)

	_, err := st.CreateSupplier(ctx, model.Supplier{
		CompanyName: "Legacy", CompanyID: "8100007", SupplierCode: "8100005",
		Status: model.SupplierStatusApproved, Stage: model.SupplierStageTemporary, CreatedBy: "import",
	})
	mustOK(t, err, "CreateSupplier legacy")
	_, err = st.CreateSupplier(ctx, model.Supplier{
		CompanyName: "Odd", CompanyID: "810ABCD", SupplierCode: "81000099",
		Status: model.SupplierStatusApproved, Stage: model.SupplierStageTemporary, CreatedBy: "import",
	})
	mustOK(t, err, "CreateSupplier odd")

	max, err := st.MaxCode(ctx, "810", 7)
	mustOK(t, err, "MaxCode 810")
	if max != "8100007" {
		t.Errorf("MaxCode(810) = %q, want 8100007", max)
	}

	max, err = st.MaxCode(ctx, "613", 7)
	mustOK(t, err, "MaxCode 613")
	if max != "" {
		t.Errorf("MaxCode(613) = %q, want empty", max)
	}

	for _, c := range []string{"8100003", "8100005", "8100007"} {
		exists, err := st.CodeExists(ctx, c)
		mustOK(t, err, "CodeExists")
		if !exists {
			t.Errorf("CodeExists(%s) = false, want true", c)
		}
	}
	exists, err := st.CodeExists(ctx, "8100004")
	mustOK(t, err, "CodeExists")
	if exists {
		t.Error("CodeExists(8100004) = true, want false")
	}
}

func testSupplierCodeUnique(t *testing.T, st Store) {
	ctx := context.Background()
	sup := model.Supplier{
		CompanyName: "First", CompanyID: "6100001", SupplierCode: "6100001",
		Status: model.SupplierStatusApproved, Stage: model.SupplierStageTemporary, CreatedBy: model.SupplierCreatedBySystem,
	}
	id, err := st.CreateSupplier(ctx, sup)
	mustOK(t, err, "CreateSupplier")

	got, err := st.GetSupplier(ctx, id)
	mustOK(t, err, "GetSupplier")
	if got.SupplierCode != "6100001" {
		t.Errorf("SupplierCode = %q, want 6100001", got.SupplierCode)
	}

	sup.CompanyName = "Second"
	_, err = st.CreateSupplier(ctx, sup)
	if err == nil || !IsRetryable(err) {
		t.Errorf("duplicate code error = %v, want retryable", err)
	}
}

// ==========================================================================
// Accounts and blacklist
// ==========================================================================

func testAccounts(t *testing.T, st Store) {
	ctx := context.Background()
	mustOK(t, st.SaveAccount(ctx, model.Account{
		ID: "buyer-1", Name: "Buyer", Username: "buyer1", Email: "Buyer@Corp.example",
		Role: model.RolePurchaser, AccountType: model.AccountTypeStaff,
	}), "SaveAccount buyer")
	mustOK(t, st.SaveAccount(ctx, model.Account{
		ID: "qm-1", Username: "qm1", Email: "qm@corp.example",
		Role: model.RoleQualityManager, AccountType: model.AccountTypeStaff,
	}), "SaveAccount qm")

	a, err := st.AccountByEmail(ctx, "buyer@corp.example", model.RolePurchaser)
	mustOK(t, err, "AccountByEmail")
	if a == nil || a.ID != "buyer-1" {
		t.Errorf("AccountByEmail(purchaser) = %+v, want buyer-1", a)
	}

	a, err = st.AccountByEmail(ctx, "buyer@corp.example", model.RoleQualityManager)
	mustOK(t, err, "AccountByEmail")
	if a != nil {
		t.Errorf("AccountByEmail(quality manager) = %+v, want nil", a)
	}

	a, err = st.AccountByUsername(ctx, "QM1")
	mustOK(t, err, "AccountByUsername")
	if a == nil || a.ID != "qm-1" {
		t.Errorf("AccountByUsername(QM1) = %+v, want qm-1", a)
	}

	byRole, err := st.AccountsByRole(ctx, model.RoleQualityManager)
	mustOK(t, err, "AccountsByRole")
	if len(byRole) != 1 {
		t.Errorf("len(AccountsByRole) = %d, want 1", len(byRole))
	}

	// Upsert replaces the row.
	acct, err := st.GetAccount(ctx, "qm-1")
	mustOK(t, err, "GetAccount")
	acct.Role = model.RoleFinanceCashier
	mustOK(t, st.SaveAccount(ctx, acct), "SaveAccount upsert")
	acct, err = st.GetAccount(ctx, "qm-1")
	mustOK(t, err, "GetAccount")
	if acct.Role != model.RoleFinanceCashier {
		t.Errorf("Role = %q, want %q", acct.Role, model.RoleFinanceCashier)
	}

	err = st.SaveAccount(ctx, model.Account{ID: "dup", Username: "BUYER1", Role: model.RoleTracking, AccountType: model.AccountTypeTracking})
	assertCode(t, err, model.ErrConflict, "duplicate username")

	_, err = st.GetAccount(ctx, "missing")
	assertCode(t, err, model.ErrNotFound, "missing account")
}

func testBlacklist(t *testing.T, st Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	for _, e := range []model.BlacklistEntry{
		{Type: model.BlacklistTypeEmail, Value: "bad@acme.example", Severity: "warning", Reason: "spam", Active: true},
		{Type: model.BlacklistTypeEmail, Value: "bad@acme.example", Severity: model.SeverityCritical, Reason: "fraud", Active: true},
		{Type: model.BlacklistTypeCreditCode, Value: "CC-EXPIRED", Reason: "old", Active: true, ExpiresAt: &past},
	} {
		_, err := st.AddBlacklistEntry(ctx, e)
		mustOK(t, err, "AddBlacklistEntry")
	}

	hit, err := st.FindBlacklistEntry(ctx, model.BlacklistTypeEmail, "BAD@acme.example", now)
	mustOK(t, err, "FindBlacklistEntry")
	if hit == nil || hit.Severity != model.SeverityCritical {
		t.Errorf("email hit = %+v, want the critical entry", hit)
	}

	hit, err = st.FindBlacklistEntry(ctx, model.BlacklistTypeCreditCode, "CC-EXPIRED", now)
	mustOK(t, err, "FindBlacklistEntry")
	if hit != nil {
		t.Errorf("expired entry matched: %+v", hit)
	}
}

// ==========================================================================
// Audit
// ==========================================================================

func testAuditEntries(t *testing.T, st Store) {
	ctx := context.Background()
	last, err := st.LastAuditEntry(ctx)
	mustOK(t, err, "LastAuditEntry")
	if last != nil {
		t.Fatalf("LastAuditEntry on empty store = %+v", last)
	}

	ts := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	first := model.AuditEntry{
		EntityType: "application", EntityID: "1", Action: "submit",
		Changes: json.RawMessage(`{"status":"pending_purchaser"}`), ActorID: "system",
		IPAddress: "unknown", CreatedAt: ts, Immutable: true,
		PreviousHash: "genesis", HashChainValue: "h1",
	}
	id1, err := st.InsertAuditEntry(ctx, first)
	mustOK(t, err, "InsertAuditEntry first")

	second := first
	second.EntityID = "2"
	second.PreviousHash = "h1"
	second.HashChainValue = "h2"
	id2, err := st.InsertAuditEntry(ctx, second)
	mustOK(t, err, "InsertAuditEntry second")
	if id2 <= id1 {
		t.Errorf("ids not ascending: %d then %d", id1, id2)
	}

	fork := first
	fork.HashChainValue = "h-fork"
	if _, err := st.InsertAuditEntry(ctx, fork); !IsRetryable(err) {
		t.Errorf("a second successor of genesis must be rejected, got %v", err)
	}

	last, err = st.LastAuditEntry(ctx)
	mustOK(t, err, "LastAuditEntry")
	if last == nil || last.HashChainValue != "h2" {
		t.Errorf("LastAuditEntry = %+v, want h2", last)
	}

	got, err := st.GetAuditEntry(ctx, id1)
	mustOK(t, err, "GetAuditEntry")
	var compact bytes.Buffer
	mustOK(t, json.Compact(&compact, got.Changes), "compact changes")
	if compact.String() != `{"status":"pending_purchaser"}` {
		t.Errorf("Changes = %s", got.Changes)
	}
	if !got.CreatedAt.Equal(ts) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, ts)
	}

	all, err := st.ListAuditEntries(ctx, model.AuditRange{})
	mustOK(t, err, "ListAuditEntries")
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}

	from := id2
	tail, err := st.ListAuditEntries(ctx, model.AuditRange{StartID: &from})
	mustOK(t, err, "ListAuditEntries from")
	if len(tail) != 1 || tail[0].ID != id2 {
		t.Errorf("tail = %+v, want only %d", tail, id2)
	}

	forEntity, err := st.AuditEntriesForEntity(ctx, "application", "2")
	mustOK(t, err, "AuditEntriesForEntity")
	if len(forEntity) != 1 {
		t.Errorf("len(forEntity) = %d, want 1", len(forEntity))
	}
}

func testArchiveRecords(t *testing.T, st Store) {
	ctx := context.Background()
	id, err := st.InsertAuditEntry(ctx, model.AuditEntry{
		EntityType: "application", EntityID: "1", Action: "reject", ActorID: "x",
		CreatedAt: time.Now().UTC(), PreviousHash: "genesis", HashChainValue: "h",
	})
	mustOK(t, err, "InsertAuditEntry")

	_, err = st.GetArchiveRecord(ctx, id)
	assertCode(t, err, model.ErrNotFound, "not yet archived")

	rec := model.ArchiveRecord{
		AuditLogID: id, ArchiveFilePath: "/tmp/a.json", FileHash: "abc",
		VerificationStatus: model.ArchiveStatusArchived, ArchivedAt: time.Now().UTC(),
	}
	mustOK(t, st.SaveArchiveRecord(ctx, rec), "SaveArchiveRecord")

	verifiedAt := time.Now().UTC()
	rec.VerificationStatus = model.ArchiveStatusVerified
	rec.VerifiedAt = &verifiedAt
	mustOK(t, st.SaveArchiveRecord(ctx, rec), "SaveArchiveRecord verified")

	got, err := st.GetArchiveRecord(ctx, id)
	mustOK(t, err, "GetArchiveRecord")
	if got.VerificationStatus != model.ArchiveStatusVerified || got.VerifiedAt == nil {
		t.Errorf("archive record = %+v, want verified with a timestamp", got)
	}

	err = st.SaveArchiveRecord(ctx, model.ArchiveRecord{AuditLogID: id + 50, VerificationStatus: model.ArchiveStatusArchived, ArchivedAt: time.Now()})
	assertCode(t, err, model.ErrNotFound, "archive of unknown entry")
}

// ==========================================================================
// Transactions
// ==========================================================================

func testRollback(t *testing.T, st Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		id, err := tx.CreateApplication(ctx, sampleApplication("CC-40", "tx@acme.example"))
		if err != nil {
			return err
		}
		if err := tx.LockPrefix(ctx, "810"); err != nil {
			return err
		}
		if _, err := tx.GetApplicationForUpdate(ctx, id); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx error = %v, want %v", err, boom)
	}

	n, err := st.CountApplications(ctx, ApplicationFilter{})
	mustOK(t, err, "CountApplications")
	if n != 0 {
		t.Errorf("a failed transaction must not leave rows behind, count = %d", n)
	}

	err = st.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.CreateApplication(ctx, sampleApplication("CC-41", "tx2@acme.example"))
		return err
	})
	mustOK(t, err, "WithinTx commit")
	n, err = st.CountApplications(ctx, ApplicationFilter{})
	mustOK(t, err, "CountApplications")
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
