package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/onboarding/model"
)

func TestMemoryStore_contract(t *testing.T) {
	runContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_auditEntriesAreCopies(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	id, err := st.InsertAuditEntry(ctx, model.AuditEntry{
		EntityType: "application", EntityID: "7", Action: "approve",
		Changes: []byte(`{"step":"pending_purchaser"}`),
		ActorID: "qm-1", CreatedAt: time.Now().UTC(),
		PreviousHash: "genesis", HashChainValue: "h",
	})
	mustOK(t, err, "InsertAuditEntry")

	got, err := st.GetAuditEntry(ctx, id)
	mustOK(t, err, "GetAuditEntry")
	got.Changes[0] = '['

	listed, err := st.ListAuditEntries(ctx, model.AuditRange{})
	mustOK(t, err, "ListAuditEntries")
	listed[0].Changes[1] = 'x'

	last, err := st.LastAuditEntry(ctx)
	mustOK(t, err, "LastAuditEntry")
	last.Changes[2] = 'x'

	again, err := st.GetAuditEntry(ctx, id)
	mustOK(t, err, "GetAuditEntry")
	if string(again.Changes) != `{"step":"pending_purchaser"}` {
		t.Errorf("stored changes rewritten through a returned value: %s", again.Changes)
	}
}

func TestMemoryStore_returnsCopies(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	id, err := st.CreateApplication(ctx, sampleApplication("CC-50", "copy@acme.example"))
	mustOK(t, err, "CreateApplication")
	_, err = st.AppendDecision(ctx, model.StepDecision{
		ApplicationID: id, Step: model.StatusPendingPurchaser, Decision: model.DecisionApproved, ActorID: "b",
	})
	mustOK(t, err, "AppendDecision")

	app, err := st.GetApplication(ctx, id)
	mustOK(t, err, "GetApplication")
	app.Decisions[0].Decision = model.DecisionRejected

	again, err := st.GetApplication(ctx, id)
	mustOK(t, err, "GetApplication")
	if again.Decisions[0].Decision != model.DecisionApproved {
		t.Errorf("stored decision = %q, want %q", again.Decisions[0].Decision, model.DecisionApproved)
	}
}

func TestMemoryStore_appendDecisionUnknownApplication(t *testing.T) {
	st := NewMemoryStore()
	_, err := st.AppendDecision(context.Background(), model.StepDecision{ApplicationID: 99, Step: model.StatusPendingPurchaser})
	assertCode(t, err, model.ErrNotFound, "AppendDecision")
}

func TestMemoryStore_concurrentTransactions(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
				n, err := tx.CountApplications(ctx, ApplicationFilter{})
				if err != nil {
					return err
				}
				app := sampleApplication("CC-C", "c@acme.example")
				app.TrackingAccountID = string(rune('a' + n))
				_, err = tx.CreateApplication(ctx, app)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("WithinTx: %v", err)
		}
	}

	apps, err := st.ListApplications(ctx, ApplicationFilter{})
	mustOK(t, err, "ListApplications")
	if len(apps) != workers {
		t.Fatalf("len(apps) = %d, want %d", len(apps), workers)
	}

	seen := map[string]bool{}
	for _, app := range apps {
		if seen[app.TrackingAccountID] {
			t.Errorf("transactions observed the same count %q", app.TrackingAccountID)
		}
		seen[app.TrackingAccountID] = true
	}
}
