package model

import (
	"encoding/json"
	"time"
)

// Draft statuses.
const (
	DraftStatusActive    = "active"
	DraftStatusSubmitted = "submitted"
	DraftStatusExpired   = "expired"
)

// Draft is a pre-submission application payload addressed by an opaque token.
// Submitted and expired drafts are never mutated again.
type Draft struct {
	Token                  string          `json:"token"`
	Payload                json.RawMessage `json:"payload"`
	ValidationErrors       []FieldError    `json:"validation_errors,omitempty"`
	LastStep               string          `json:"last_step,omitempty"`
	Status                 string          `json:"status"`
	ExpiresAt              time.Time       `json:"expires_at"`
	SubmittedApplicationID *int64          `json:"submitted_application_id,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Expired reports whether the draft is past its expiry at now.
func (d Draft) Expired(now time.Time) bool {
	return d.Status == DraftStatusExpired || !now.Before(d.ExpiresAt)
}
