// Package draft keeps partially completed registrations so applicants can
// resume them later with an opaque token.
package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/validation"
	"github.com/pitabwire/onboarding/model"
)

// DefaultTTL is how long a draft stays usable after its last save.
const DefaultTTL = 30 * 24 * time.Hour

// SaveResult is returned by Save.
type SaveResult struct {
	Token     string             `json:"token"`
	Status    string             `json:"status"`
	ExpiresAt time.Time          `json:"expires_at"`
	LastStep  string             `json:"last_step,omitempty"`
	Errors    []model.FieldError `json:"validation_errors"`
	Created   bool               `json:"-"`
}

// Service saves, loads, and closes drafts.
type Service struct {
	repo      Repository
	validator *validation.Validator
	ttl       time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
	newToken  func() string
}

// NewService creates a draft service. A non-positive ttl selects DefaultTTL.
func NewService(repo Repository, validator *validation.Validator, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		repo:      repo,
		validator: validator,
		ttl:       ttl,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

// Save normalizes payload and stores it under token, creating a new draft
// when token is empty. Every save refreshes the expiry.
func (s *Service) Save(ctx context.Context, payload json.RawMessage, token, lastStep string) (SaveResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || len(fields) == 0 {
		s.metrics.RecordDraftOperation("save", "invalid")
		return SaveResult{}, model.NewFieldValidationError("payload", "MISSING_FORM_DATA", "Draft payload must be a non-empty JSON object")
	}

	now := s.now().UTC()
	token = strings.TrimSpace(token)

	var d model.Draft
	created := token == ""
	if created {
		d = model.Draft{Token: s.newToken(), CreatedAt: now}
	} else {
		existing, err := s.load(ctx, token, "save")
		if err != nil {
			return SaveResult{}, err
		}
		d = *existing
	}

	res, err := s.validator.Validate(payload, validation.Draft)
	if err != nil {
		s.metrics.RecordDraftOperation("save", "invalid")
		return SaveResult{}, err
	}

	d.Payload = res.Normalized
	d.ValidationErrors = res.Errors
	d.LastStep = strings.TrimSpace(lastStep)
	d.Status = model.DraftStatusActive
	d.ExpiresAt = now.Add(s.ttl)
	d.UpdatedAt = now

	if err := s.repo.Put(ctx, d); err != nil {
		s.metrics.RecordDraftOperation("save", "error")
		return SaveResult{}, fmt.Errorf("draft: save: %w", err)
	}
	s.metrics.RecordDraftOperation("save", "ok")
	s.logger.Debug("draft saved",
		zap.String("draft_token", d.Token),
		zap.Bool("created", created),
		zap.Int("validation_errors", len(res.Errors)),
	)

	errs := res.Errors
	if errs == nil {
		errs = []model.FieldError{}
	}
	return SaveResult{
		Token:     d.Token,
		Status:    d.Status,
		ExpiresAt: d.ExpiresAt,
		LastStep:  d.LastStep,
		Errors:    errs,
		Created:   created,
	}, nil
}

// Get returns the active draft for token. A draft found past its expiry is
// marked expired and reported as EXPIRED.
func (s *Service) Get(ctx context.Context, token string) (model.Draft, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Draft{}, model.NewBadRequestError("Draft token is required")
	}
	d, err := s.load(ctx, token, "get")
	if err != nil {
		return model.Draft{}, err
	}
	s.metrics.RecordDraftOperation("get", "ok")
	return *d, nil
}

// MarkSubmitted closes an active draft after its application was created.
// Submitted and expired drafts are terminal and are left untouched.
func (s *Service) MarkSubmitted(ctx context.Context, token string, applicationID int64) error {
	token = strings.TrimSpace(token)
	d, err := s.load(ctx, token, "submit")
	if err != nil {
		return err
	}

	d.Status = model.DraftStatusSubmitted
	d.SubmittedApplicationID = &applicationID
	d.UpdatedAt = s.now().UTC()
	if err := s.repo.Put(ctx, *d); err != nil {
		return fmt.Errorf("draft: mark submitted %s: %w", token, err)
	}
	s.metrics.RecordDraftOperation("submit", "ok")
	return nil
}

// load fetches a draft that can still be edited or read.
func (s *Service) load(ctx context.Context, token, op string) (*model.Draft, error) {
	d, err := s.repo.Get(ctx, token)
	if err != nil {
		s.metrics.RecordDraftOperation(op, "error")
		return nil, fmt.Errorf("draft: load %s: %w", token, err)
	}
	if d == nil {
		s.metrics.RecordDraftOperation(op, "not_found")
		return nil, model.NewNotFoundError("Draft not found")
	}
	if d.Status == model.DraftStatusSubmitted {
		s.metrics.RecordDraftOperation(op, "submitted")
		return nil, model.NewAlreadySubmittedError(d.SubmittedApplicationID)
	}
	if d.Expired(s.now()) {
		if d.Status != model.DraftStatusExpired {
			d.Status = model.DraftStatusExpired
			d.UpdatedAt = s.now().UTC()
			if err := s.repo.Put(ctx, *d); err != nil {
				s.logger.Warn("failed to mark draft expired", zap.String("draft_token", token), zap.Error(err))
			}
		}
		s.metrics.RecordDraftOperation(op, "expired")
		return nil, model.NewExpiredError("Draft has expired")
	}
	return d, nil
}
