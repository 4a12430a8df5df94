package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/onboarding/model"
)

func sampleRecord(hash string) Record {
	return Record{
		InputHash:   hash,
		Status:      201,
		ContentType: "application/json; charset=utf-8",
		Body:        json.RawMessage(`{"application_id":12,"status":"pending_purchaser"}`),
	}
}

// forEachStore runs fn against the memory and Redis stores. advance moves
// the store's clock forward.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store, advance func(time.Duration))) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return now }
		fn(t, s, func(d time.Duration) { now = now.Add(d) })
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		fn(t, NewRedisStore(client), mr.FastForward)
	})
}

func TestStore_CheckNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		rec, found, err := s.Check(context.Background(), Key("public", "k1"), "h")
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if found || rec != nil {
			t.Errorf("Check() = %+v, %v, want nil, false", rec, found)
		}
	})
}

func TestStore_SaveAndReplay(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		key := Key("u-1", "k1")
		if err := s.Save(ctx, key, sampleRecord("h1"), time.Hour); err != nil {
			t.Fatalf("Save error: %v", err)
		}

		rec, found, err := s.Check(ctx, key, "h1")
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if !found || rec == nil {
			t.Fatal("found = false, want true")
		}
		if rec.Status != 201 {
			t.Errorf("Status = %d, want 201", rec.Status)
		}
		if string(rec.Body) != `{"application_id":12,"status":"pending_purchaser"}` {
			t.Errorf("Body = %s", rec.Body)
		}
	})
}

func TestStore_ConflictOnHashMismatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		key := Key("u-1", "k1")
		if err := s.Save(ctx, key, sampleRecord("h1"), time.Hour); err != nil {
			t.Fatalf("Save error: %v", err)
		}

		_, found, err := s.Check(ctx, key, "h2")
		if !found {
			t.Error("found = false, want true")
		}
		if !model.HasCode(err, model.ErrConflict) {
			t.Errorf("err = %v, want CONFLICT", err)
		}
	})
}

func TestStore_Expiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, advance func(time.Duration)) {
		ctx := context.Background()
		key := Key("u-1", "k1")
		if err := s.Save(ctx, key, sampleRecord("h1"), time.Minute); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		advance(2 * time.Minute)

		_, found, err := s.Check(ctx, key, "h1")
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if found {
			t.Error("found = true after expiry")
		}
	})
}

func TestStore_scopesAreIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		if err := s.Save(ctx, Key("u-1", "k1"), sampleRecord("h1"), time.Hour); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		_, found, err := s.Check(ctx, Key("u-2", "k1"), "h2")
		if err != nil || found {
			t.Errorf("Check(other scope) = %v, %v, want not found", found, err)
		}
	})
}

func TestHashRequest(t *testing.T) {
	a := HashRequest("POST", "/registrations/1/approve", []byte(`{"comment":"ok"}`))
	if a != HashRequest("POST", "/registrations/1/approve", []byte(`{"comment":"ok"}`)) {
		t.Error("HashRequest is not deterministic")
	}
	if a == HashRequest("POST", "/registrations/2/approve", []byte(`{"comment":"ok"}`)) {
		t.Error("path not covered by the hash")
	}
	if a == HashRequest("POST", "/registrations/1/approve", []byte(`{"comment":"no"}`)) {
		t.Error("body not covered by the hash")
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
}

func TestMemoryStore_expiredEntryIsEvicted(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()
	_ = s.Save(ctx, "k", sampleRecord("h"), time.Second)
	now = now.Add(time.Minute)

	_, _, _ = s.Check(ctx, "k", "h")

	if got := s.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}
