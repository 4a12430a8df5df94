package model

import (
	"encoding/json"
	"time"
)

// AuditEntry is one row of the append-only, hash-chained audit log.
type AuditEntry struct {
	ID             int64           `json:"id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Action         string          `json:"action"`
	Changes        json.RawMessage `json:"changes,omitempty"`
	ActorID        string          `json:"actor_id"`
	ActorName      string          `json:"actor_name,omitempty"`
	IPAddress      string          `json:"ip_address,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	IsSensitive    bool            `json:"is_sensitive"`
	Immutable      bool            `json:"immutable"`
	PreviousHash   string          `json:"previous_hash"`
	HashChainValue string          `json:"hash_chain_value"`
}

// AuditRange bounds a chain walk. Nil bounds are open.
type AuditRange struct {
	StartID *int64
	EndID   *int64
}

// Contains reports whether id falls inside the range.
func (r AuditRange) Contains(id int64) bool {
	if r.StartID != nil && id < *r.StartID {
		return false
	}
	if r.EndID != nil && id > *r.EndID {
		return false
	}
	return true
}

// BrokenLink describes an entry whose stored hash does not match the
// recomputed one.
type BrokenLink struct {
	LogID        int64     `json:"log_id"`
	ExpectedHash string    `json:"expected_hash"`
	ActualHash   string    `json:"actual_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChainVerification is the outcome of a chain walk.
type ChainVerification struct {
	Valid         bool         `json:"valid"`
	VerifiedCount int          `json:"verified_count"`
	Message       string       `json:"message"`
	BrokenChains  []BrokenLink `json:"broken_chains"`
}

// Archive verification statuses.
const (
	ArchiveStatusArchived = "archived"
	ArchiveStatusVerified = "verified"
	ArchiveStatusFailed   = "failed"
)

// ArchiveRecord tracks a cold-storage copy of an audit entry.
type ArchiveRecord struct {
	AuditLogID         int64      `json:"audit_log_id"`
	ArchiveFilePath    string     `json:"archive_file_path"`
	FileHash           string     `json:"file_hash"`
	VerificationStatus string     `json:"verification_status"`
	ArchivedAt         time.Time  `json:"archived_at"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
}

// ArchiveVerification is the result of re-checking an archived entry.
type ArchiveVerification struct {
	AuditLogID   int64  `json:"audit_log_id"`
	Valid        bool   `json:"valid"`
	Status       string `json:"status"`
	FileHash     string `json:"file_hash"`
	ExpectedHash string `json:"expected_hash"`
	ChainIntact  bool   `json:"chain_intact"`
	Message      string `json:"message"`
}
