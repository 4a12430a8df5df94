// Package audit maintains the append-only, hash-chained audit log. Each
// entry's hash commits to the previous entry's hash and the entry's own
// content, so editing, removing, or reordering any stored row is detectable
// by walking the chain.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/onboarding/model"
)

// GenesisHash is the previous hash of the first entry in the chain.
const GenesisHash = "genesis"

// TimestampLayout is the canonical timestamp form. PostgreSQL stores
// microseconds, so the hash never covers finer precision.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

const (
	defaultActor = "system"
	defaultIP    = "unknown"
)

// canonicalEntry fixes the key order of the hashed document.
type canonicalEntry struct {
	PreviousHash string          `json:"previousHash"`
	Timestamp    string          `json:"timestamp"`
	ActorID      string          `json:"actorId"`
	ActorName    string          `json:"actorName"`
	Action       string          `json:"action"`
	EntityType   string          `json:"entityType"`
	EntityID     string          `json:"entityId"`
	Changes      json.RawMessage `json:"changes"`
	IPAddress    string          `json:"ipAddress"`
}

// Canonicalize returns the bytes hashed for e when it follows previousHash.
func Canonicalize(e model.AuditEntry, previousHash string) ([]byte, error) {
	if previousHash == "" {
		previousHash = GenesisHash
	}
	changes, err := CompactChanges(e.Changes)
	if err != nil {
		return nil, err
	}
	return json.Marshal(canonicalEntry{
		PreviousHash: previousHash,
		Timestamp:    FormatTimestamp(e.CreatedAt),
		ActorID:      orDefault(e.ActorID, defaultActor),
		ActorName:    orDefault(e.ActorName, defaultActor),
		Action:       e.Action,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		Changes:      changes,
		IPAddress:    orDefault(e.IPAddress, defaultIP),
	})
}

// ComputeHash returns the lowercase hex SHA-256 chain value of e following
// previousHash.
func ComputeHash(e model.AuditEntry, previousHash string) (string, error) {
	doc, err := Canonicalize(e, previousHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:]), nil
}

// CompactChanges returns raw with insignificant whitespace removed. Empty
// input is the JSON null.
func CompactChanges(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("audit: changes are not valid JSON: %w", err)
	}
	return buf.Bytes(), nil
}

// FormatTimestamp renders t in the canonical UTC microsecond form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimestampLayout)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
