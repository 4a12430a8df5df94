package registration

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"

	"github.com/pitabwire/onboarding/internal/allocator"
	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/internal/validation"
	"github.com/pitabwire/onboarding/model"
)

// Document kinds stored with an application.
const (
	DocumentBusinessLicense = "business-license"
	DocumentBankAccount     = "bank-account"
)

// SubmitResult is returned to the applicant after a successful submission.
// TemporaryPassword is shown once and never stored in clear.
type SubmitResult struct {
	ApplicationID     int64  `json:"application_id"`
	Status            string `json:"status"`
	TrackingToken     string `json:"tracking_token"`
	TrackingURL       string `json:"tracking_url"`
	TrackingUsername  string `json:"tracking_username"`
	TemporaryPassword string `json:"temporary_password"`
	Message           string `json:"message"`
}

// TrackingPath is the public status path for a tracking token.
func TrackingPath(token string) string {
	return "/public/registrations/status/" + token
}

// Submit validates a registration payload, screens it, stores its
// documents and creates the application with its tracking account.
func (s *Service) Submit(ctx context.Context, payload json.RawMessage, draftToken string) (SubmitResult, error) {
	ctx, span := observability.StartSpan(ctx, "registration.Submit")
	result, err := s.submit(ctx, payload, strings.TrimSpace(draftToken))
	observability.EndSpan(span, err)

	outcome := "created"
	if err != nil {
		outcome = "rejected"
		if ee, ok := model.AsEnvelope(err); ok {
			outcome = strings.ToLower(ee.Code)
		}
	}
	s.metrics.RecordSubmission(outcome)
	return result, err
}

func (s *Service) submit(ctx context.Context, payload json.RawMessage, draftToken string) (SubmitResult, error) {
	log := s.log(ctx)
	if log.Core().Enabled(zapcore.DebugLevel) {
		log.Debug("registration payload received", zap.Any("payload", observability.RedactPayload(payload)))
	}

	v, err := s.validator.Validate(payload, validation.Final)
	if err != nil {
		return SubmitResult{}, err
	}
	profile := v.Profile

	classification := allocator.NormalizeClassification(profile.SupplierClassification)
	currency := allocator.NormalizeCurrency(profile.OperatingCurrency)
	if _, err := allocator.ResolvePrefixes(classification, currency); err != nil {
		return SubmitResult{}, err
	}

	if draftToken != "" && s.drafts != nil {
		if _, err := s.drafts.Get(ctx, draftToken); err != nil {
			return SubmitResult{}, err
		}
	}

	if err := s.screener.CheckBlacklist(ctx, profile); err != nil {
		return SubmitResult{}, err
	}
	if err := s.screener.CheckDuplicate(ctx, profile, draftToken); err != nil {
		return SubmitResult{}, err
	}

	trackingID := model.NormalizeEmail(profile.ContactEmail)
	holder, err := s.store.AccountByUsername(ctx, trackingID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("registration: look up username %s: %w", trackingID, err)
	}
	if holder != nil && !strings.EqualFold(holder.ID, trackingID) {
		return SubmitResult{}, contactEmailTaken()
	}
	// A promoted login keeps the contact email as its id but changes username.
	existing, err := s.store.GetAccount(ctx, trackingID)
	if err != nil && !model.HasCode(err, model.ErrNotFound) {
		return SubmitResult{}, fmt.Errorf("registration: look up account %s: %w", trackingID, err)
	}
	if err == nil && existing.AccountType != model.AccountTypeTracking {
		return SubmitResult{}, contactEmailTaken()
	}

	purchaser, err := s.store.AccountByEmail(ctx, model.NormalizeEmail(profile.ProcurementEmail), model.RolePurchaser)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("registration: look up purchaser: %w", err)
	}
	if purchaser == nil {
		return SubmitResult{}, model.NewFieldValidationError("procurement_email", "NOT_FOUND",
			"No purchaser account matches the procurement email")
	}

	password, err := s.newPassword()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("registration: generate password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordCost)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("registration: hash password: %w", err)
	}

	docs, err := s.storeDocuments(ctx, profile)
	if err != nil {
		return SubmitResult{}, err
	}
	// The application keeps references only.
	profile.BusinessLicenseFile = nil
	profile.BankAccountFile = nil

	now := s.now().UTC()
	app := model.Application{
		Profile:                profile,
		Classification:         classification,
		Currency:               currency,
		Status:                 model.StatusPendingPurchaser,
		TrackingAccountID:      trackingID,
		TrackingToken:          s.newTracking(),
		AssignedPurchaserID:    purchaser.ID,
		AssignedPurchaserEmail: model.NormalizeEmail(purchaser.Email),
		Documents:              docs,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if draftToken != "" {
		app.DraftToken = &draftToken
	}

	var entry model.AuditEntry
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		id, err := tx.CreateApplication(ctx, app)
		if err != nil {
			return fmt.Errorf("registration: create application: %w", err)
		}
		app.ID = id
		ctx = observability.WithApplication(ctx, s.logger, id, app.Status)

		if err := s.saveTrackingAccount(ctx, tx, app, string(hash)); err != nil {
			return err
		}

		actor := &model.Actor{
			SubjectID: trackingID,
			Name:      profile.CompanyName,
			IPAddress: model.ClientIPFrom(ctx),
		}
		entry, err = s.audit.Writer().Append(ctx, tx, record(actor, id, ActionSubmit, map[string]any{
			"supplierClassification": classification,
			"assignedPurchaser":      app.AssignedPurchaserEmail,
			"status":                 app.Status,
		}))
		return err
	})
	if err != nil {
		s.discardDocuments(ctx, docs)
		return SubmitResult{}, err
	}

	ctx = observability.WithApplication(ctx, s.logger, app.ID, app.Status)
	log = s.log(ctx)
	s.afterCommit(ctx, entry)
	if app.DraftToken != nil && s.drafts != nil {
		if err := s.drafts.MarkSubmitted(ctx, draftToken, app.ID); err != nil {
			log.Warn("failed to close draft after submission",
				zap.String("draft_token", draftToken), zap.Error(err))
		}
	}
	s.notifier.ApprovalRequired(ctx, app)

	log.Info("registration submitted",
		zap.String("classification", classification),
		zap.String("currency", currency),
		zap.String("assigned_purchaser", app.AssignedPurchaserEmail),
	)
	return SubmitResult{
		ApplicationID:     app.ID,
		Status:            app.Status,
		TrackingToken:     app.TrackingToken,
		TrackingURL:       TrackingPath(app.TrackingToken),
		TrackingUsername:  trackingID,
		TemporaryPassword: password,
		Message:           "Registration submitted; it is awaiting purchaser review",
	}, nil
}

// saveTrackingAccount creates the applicant's tracking login, or refreshes
// the one left by an earlier application from the same contact email.
func (s *Service) saveTrackingAccount(ctx context.Context, tx store.Tx, app model.Application, passwordHash string) error {
	acct, err := tx.GetAccount(ctx, app.TrackingAccountID)
	if err != nil && !model.HasCode(err, model.ErrNotFound) {
		return fmt.Errorf("registration: load tracking account: %w", err)
	}
	if err != nil {
		acct = model.Account{ID: app.TrackingAccountID}
	} else if acct.AccountType != model.AccountTypeTracking {
		return contactEmailTaken()
	}

	relatedID := app.ID
	acct.Name = app.Profile.CompanyName + " (Tracking Account)"
	acct.Username = app.TrackingAccountID
	acct.Email = app.TrackingAccountID
	acct.Role = model.RoleTracking
	acct.AccountType = model.AccountTypeTracking
	acct.PasswordHash = passwordHash
	acct.RelatedApplicationID = &relatedID
	acct.SupplierID = nil
	acct.MustChangePassword = true

	if err := tx.SaveAccount(ctx, acct); err != nil {
		return fmt.Errorf("registration: save tracking account: %w", err)
	}
	return nil
}

func contactEmailTaken() error {
	return model.NewConflictError("A user with this contact email already exists").
		With("field", "contact_email")
}

func (s *Service) storeDocuments(ctx context.Context, p model.CompanyProfile) ([]model.DocumentRef, error) {
	if s.documents == nil {
		return nil, nil
	}
	uploads := []struct {
		kind   string
		upload *model.Upload
	}{
		{DocumentBusinessLicense, p.BusinessLicenseFile},
		{DocumentBankAccount, p.BankAccountFile},
	}

	var refs []model.DocumentRef
	for _, u := range uploads {
		if u.upload == nil {
			continue
		}
		ref, err := s.documents.Put(ctx, u.kind, *u.upload)
		if err != nil {
			s.discardDocuments(ctx, refs)
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *Service) discardDocuments(ctx context.Context, refs []model.DocumentRef) {
	if s.documents == nil {
		return
	}
	for _, ref := range refs {
		if err := s.documents.Delete(ctx, ref); err != nil {
			s.log(ctx).Warn("failed to remove stored document",
				zap.String("reference", ref.Reference), zap.Error(err))
		}
	}
}

const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"

// temporaryPassword returns a random 12 character password without
// look-alike characters.
func temporaryPassword() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for range 12 {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(passwordAlphabet[n.Int64()])
	}
	return b.String(), nil
}
