package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pitabwire/onboarding/model"
)

func sampleEntry() model.AuditEntry {
	return model.AuditEntry{
		EntityType: "application",
		EntityID:   "42",
		Action:     "approve_step",
		Changes:    json.RawMessage(`{ "step": "pending_purchaser",  "next_status": "pending_quality_manager" }`),
		ActorID:    "buyer-1",
		ActorName:  "Buyer One",
		IPAddress:  "10.0.0.7",
		CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC),
	}
}

func TestCanonicalize_fixedKeyOrderAndDefaults(t *testing.T) {
	e := sampleEntry()
	e.ActorID = ""
	e.ActorName = ""
	e.IPAddress = ""
	e.Changes = json.RawMessage(`{ "step": "pending_purchaser" }`)

	got, err := Canonicalize(e, "")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"previousHash":"genesis","timestamp":"2026-03-01T10:00:00.123456Z","actorId":"system",` +
		`"actorName":"system","action":"approve_step","entityType":"application","entityId":"42",` +
		`"changes":{"step":"pending_purchaser"},"ipAddress":"unknown"}`
	if string(got) != want {
		t.Errorf("Canonicalize =\n%s\nwant\n%s", got, want)
	}
}

func TestCanonicalize_nullChanges(t *testing.T) {
	e := sampleEntry()
	e.Changes = nil
	got, err := Canonicalize(e, "abc")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(got, &doc); err != nil {
		t.Fatalf("canonical form is not JSON: %v", err)
	}
	if doc["changes"] != nil {
		t.Errorf("changes = %v, want null", doc["changes"])
	}
	if doc["previousHash"] != "abc" {
		t.Errorf("previousHash = %v, want abc", doc["previousHash"])
	}
}

func TestComputeHash_deterministic(t *testing.T) {
	e := sampleEntry()
	h1, err := ComputeHash(e, GenesisHash)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}

	// Whitespace in changes and the time zone of the timestamp do not matter.
	same := e
	same.Changes = json.RawMessage(`{"step":"pending_purchaser","next_status":"pending_quality_manager"}`)
	same.CreatedAt = e.CreatedAt.In(time.FixedZone("CST", 8*3600))
	h2, err := ComputeHash(same, GenesisHash)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("equivalent entries hash differently: %s vs %s", h1, h2)
	}
}

func TestComputeHash_sensitiveToEveryHashedField(t *testing.T) {
	base := sampleEntry()
	baseHash, err := ComputeHash(base, GenesisHash)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(e *model.AuditEntry)
		prev   string
	}{
		{"entity type", func(e *model.AuditEntry) { e.EntityType = "supplier" }, GenesisHash},
		{"entity id", func(e *model.AuditEntry) { e.EntityID = "43" }, GenesisHash},
		{"action", func(e *model.AuditEntry) { e.Action = "reject" }, GenesisHash},
		{"changes", func(e *model.AuditEntry) { e.Changes = json.RawMessage(`{"step":"pending_cashier"}`) }, GenesisHash},
		{"actor id", func(e *model.AuditEntry) { e.ActorID = "buyer-2" }, GenesisHash},
		{"actor name", func(e *model.AuditEntry) { e.ActorName = "Someone" }, GenesisHash},
		{"ip address", func(e *model.AuditEntry) { e.IPAddress = "10.0.0.8" }, GenesisHash},
		{"timestamp", func(e *model.AuditEntry) { e.CreatedAt = e.CreatedAt.Add(time.Microsecond) }, GenesisHash},
		{"previous hash", func(*model.AuditEntry) {}, "0000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sampleEntry()
			tt.mutate(&e)
			h, err := ComputeHash(e, tt.prev)
			if err != nil {
				t.Fatalf("ComputeHash: %v", err)
			}
			if h == baseHash {
				t.Errorf("hash unchanged after mutating %s", tt.name)
			}
		})
	}
}

func TestComputeHash_invalidChanges(t *testing.T) {
	e := sampleEntry()
	e.Changes = json.RawMessage(`{"step":`)
	if _, err := ComputeHash(e, GenesisHash); err == nil {
		t.Fatal("expected error for malformed changes")
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	if got, want := FormatTimestamp(ts), "2026-01-02T03:04:05.000006Z"; got != want {
		t.Errorf("FormatTimestamp = %q, want %q", got, want)
	}
}
