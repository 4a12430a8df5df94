// Package screening rejects submissions from blacklisted parties and
// submissions that duplicate an application still in progress.
package screening

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/model"
)

// BlockedReasonCritical replaces the stored reason for critical entries.
const BlockedReasonCritical = "Permanently blocked"

// Source is the part of the store screening reads.
type Source interface {
	FindBlacklistEntry(ctx context.Context, typ, value string, now time.Time) (*model.BlacklistEntry, error)
	FindOpenApplication(ctx context.Context, field, value, excludeDraftToken string) (*model.Application, error)
}

// Screener runs the blacklist and duplicate checks.
type Screener struct {
	source Source
	logger *zap.Logger
	now    func() time.Time
}

// NewScreener creates a Screener reading from source.
func NewScreener(source Source, logger *zap.Logger) *Screener {
	return &Screener{source: source, logger: logger, now: time.Now}
}

// CheckBlacklist returns FORBIDDEN when the credit code or contact email has
// an entry in effect. The credit code is checked first.
func (s *Screener) CheckBlacklist(ctx context.Context, p model.CompanyProfile) error {
	checks := []struct {
		typ, value, message string
	}{
		{model.BlacklistTypeCreditCode, p.BusinessRegistrationNumber,
			"Registration blocked: This business registration number is not eligible for registration."},
		{model.BlacklistTypeEmail, p.ContactEmail,
			"Registration blocked: This email address is not eligible for registration."},
	}

	now := s.now()
	for _, c := range checks {
		value := strings.ToLower(strings.TrimSpace(c.value))
		if value == "" {
			continue
		}
		entry, err := s.source.FindBlacklistEntry(ctx, c.typ, value, now)
		if err != nil {
			return fmt.Errorf("screening: blacklist lookup: %w", err)
		}
		if entry == nil || !entry.InEffect(now) {
			continue
		}

		reason := entry.Reason
		if strings.EqualFold(entry.Severity, model.SeverityCritical) {
			reason = BlockedReasonCritical
		}
		s.logger.Warn("submission blocked by blacklist",
			zap.String("blacklist_type", c.typ),
			zap.Int64("blacklist_id", entry.ID),
		)
		return (&model.ErrorEnvelope{Code: model.ErrForbidden, Message: c.message}).
			With("reason", reason).
			With("blacklist_type", c.typ)
	}
	return nil
}

// CheckDuplicate returns CONFLICT when another in-progress application has
// the same credit code or contact email. The application created from
// draftToken, if any, is ignored.
func (s *Screener) CheckDuplicate(ctx context.Context, p model.CompanyProfile, draftToken string) error {
	checks := []struct {
		field, value, message string
	}{
		{store.MatchCreditCode, p.BusinessRegistrationNumber,
			"A registration with this business registration number already exists."},
		{store.MatchContactEmail, p.ContactEmail,
			"A registration with this contact email already exists."},
	}

	for _, c := range checks {
		value := strings.TrimSpace(c.value)
		if value == "" {
			continue
		}
		existing, err := s.source.FindOpenApplication(ctx, c.field, value, strings.TrimSpace(draftToken))
		if err != nil {
			return fmt.Errorf("screening: duplicate lookup: %w", err)
		}
		if existing == nil {
			continue
		}
		return model.NewConflictError(c.message).
			With("field", c.field).
			With("existing_application_id", existing.ID).
			With("existing_status", existing.Status).
			With("existing_company_name", existing.Profile.CompanyName)
	}
	return nil
}
