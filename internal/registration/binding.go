package registration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/allocator"
	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/internal/workflow"
	"github.com/pitabwire/onboarding/model"
)

// BindingResult describes a completed code binding.
type BindingResult struct {
	ApplicationID int64  `json:"application_id"`
	SupplierID    int64  `json:"supplier_id"`
	SupplierCode  string `json:"supplier_code"`
	AutoGenerated bool   `json:"auto_generated"`
	Status        string `json:"status"`
}

// BindSupplierCode assigns a supplier code to an application awaiting
// binding, creates the supplier record, promotes the tracking account and
// hands the application to the cashier. A blank requested code is minted
// from the application's first prefix. Collisions with concurrent binds
// are retried; a requested code that is malformed or taken fails before
// anything is written.
func (s *Service) BindSupplierCode(ctx context.Context, id int64, actor *model.Actor, requested string) (BindingResult, error) {
	requested = strings.TrimSpace(requested)
	if err := workflow.AuthorizeBinder(actor); err != nil {
		return BindingResult{}, err
	}
	ctx, span := observability.StartApplicationSpan(ctx, "registration.BindSupplierCode", id, model.StatusPendingCodeBinding)
	ctx = observability.WithApplication(ctx, s.logger, id, model.StatusPendingCodeBinding)
	start := s.now()

	var (
		result BindingResult
		app    model.Application
		entry  model.AuditEntry
		prefix string
	)
	attempt := func() error {
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			result, app, entry, prefix, err = s.bind(ctx, tx, id, actor, requested)
			return err
		})
		if err != nil && !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.RecordCodeAllocationRetry(prefix)
		s.log(ctx).Warn("supplier code binding collided; retrying",
			append(observability.AllocationFields(prefix, ""), zap.Duration("backoff", wait), zap.Error(err))...)
	}

	err := backoff.RetryNotify(attempt, s.bindBackOff(ctx), notify)
	if err != nil && store.IsRetryable(err) {
		s.log(ctx).Warn("supplier code binding gave up after retries",
			append(observability.AllocationFields(prefix, ""), zap.Int("attempts", s.retry.MaxAttempts), zap.Error(err))...)
		err = model.NewConflictError("Supplier code allocation kept colliding with concurrent bindings; try again").
			With("application_id", id)
	}
	if err == nil {
		observability.TagAllocation(ctx, prefix, result.SupplierCode)
	}
	observability.EndSpan(span, err)
	if err != nil {
		if model.HasCode(err, model.ErrIllegalState) {
			s.log(ctx).Error("supplier code binding hit an illegal state", zap.Error(err))
		}
		return BindingResult{}, err
	}

	mode := "requested"
	if result.AutoGenerated {
		mode = "auto"
	}
	s.metrics.RecordCodeAllocation(prefix, mode, s.now().Sub(start))
	s.afterCommit(ctx, entry)
	s.log(ctx).Info("supplier code bound",
		append(observability.AllocationFields(prefix, result.SupplierCode),
			zap.Int64("supplier_id", result.SupplierID),
			zap.String("mode", mode),
		)...)
	s.notifier.ApprovalRequired(ctx, app)
	return result, nil
}

// bind runs one binding attempt inside tx.
func (s *Service) bind(ctx context.Context, tx store.Tx, id int64, actor *model.Actor, requested string) (BindingResult, model.Application, model.AuditEntry, string, error) {
	var (
		none  BindingResult
		noApp model.Application
		noEnt model.AuditEntry
	)
	app, err := tx.GetApplicationForUpdate(ctx, id)
	if err != nil {
		return none, noApp, noEnt, "", err
	}
	if err := workflow.AuthorizeBinding(app.Status, actor); err != nil {
		return none, noApp, noEnt, "", err
	}

	prefixes, err := allocator.ResolvePrefixes(app.Classification, app.Currency)
	if err != nil {
		return none, noApp, noEnt, "", err
	}
	prefix := prefixes[0]
	if requested != "" {
		if _, prefix, err = allocator.CheckFormat(prefixes, requested); err != nil {
			return none, noApp, noEnt, "", err
		}
	}
	if err := tx.LockPrefix(ctx, prefix); err != nil {
		return none, noApp, noEnt, prefix, fmt.Errorf("registration: lock prefix %s: %w", prefix, err)
	}

	alloc, err := allocator.Allocate(ctx, tx, prefixes, requested)
	if err != nil {
		return none, noApp, noEnt, prefix, err
	}

	now := s.now().UTC()
	supplierID, err := tx.CreateSupplier(ctx, supplierFrom(app, alloc.Code, now))
	if err != nil {
		return none, noApp, noEnt, prefix, fmt.Errorf("registration: create supplier: %w", err)
	}

	trackingEmail, err := s.promoteTrackingAccount(ctx, tx, app, alloc.Code, supplierID)
	if err != nil {
		return none, noApp, noEnt, prefix, err
	}

	tr := workflow.BindingTransition()
	app.SupplierCode = &alloc.Code
	app.SupplierID = &supplierID
	app.Status = tr.To
	app.UpdatedAt = now
	if err := tx.UpdateApplication(ctx, app); err != nil {
		return none, noApp, noEnt, prefix, err
	}

	requestedLabel := requested
	if alloc.AutoGenerated {
		requestedLabel = "auto-generated"
	}
	entry, err := s.audit.Writer().Append(ctx, tx, record(actor, id, ActionBindSupplierCode, map[string]any{
		"supplierCode":  alloc.Code,
		"supplierId":    supplierID,
		"trackingEmail": trackingEmail,
		"requestedCode": requestedLabel,
	}))
	if err != nil {
		return none, noApp, noEnt, prefix, err
	}

	return BindingResult{
		ApplicationID: id,
		SupplierID:    supplierID,
		SupplierCode:  alloc.Code,
		AutoGenerated: alloc.AutoGenerated,
		Status:        app.Status,
	}, app, entry, alloc.Prefix, nil
}

// promoteTrackingAccount turns the applicant's tracking login into a
// temporary supplier login named by the new code.
func (s *Service) promoteTrackingAccount(ctx context.Context, tx store.Tx, app model.Application, code string, supplierID int64) (string, error) {
	acct, err := tx.GetAccount(ctx, app.TrackingAccountID)
	if model.HasCode(err, model.ErrNotFound) || (err == nil && acct.AccountType != model.AccountTypeTracking) {
		return "", model.NewIllegalStateError(
			fmt.Sprintf("tracking account for application %d not found", app.ID),
		)
	}
	if err != nil {
		return "", fmt.Errorf("registration: load tracking account: %w", err)
	}

	acct.Name = app.Profile.CompanyName
	acct.Username = code
	acct.Role = model.RoleTempSupplier
	acct.AccountType = model.AccountTypeFormal
	acct.SupplierID = &supplierID
	acct.MustChangePassword = true
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return "", fmt.Errorf("registration: promote tracking account: %w", err)
	}
	return acct.Email, nil
}

// supplierFrom copies the supplier fields out of an application.
func supplierFrom(app model.Application, code string, now time.Time) model.Supplier {
	p := app.Profile
	category := p.BusinessNature
	if category == "" {
		category = app.Classification
	}
	return model.Supplier{
		CompanyName:                p.CompanyName,
		CompanyID:                  code,
		SupplierCode:               code,
		ContactPerson:              p.ContactName,
		ContactPhone:               p.ContactPhone,
		ContactEmail:               p.ContactEmail,
		Category:                   category,
		Address:                    p.BusinessAddress,
		Status:                     model.SupplierStatusApproved,
		Stage:                      model.SupplierStageTemporary,
		CreatedBy:                  model.SupplierCreatedBySystem,
		Notes:                      p.Notes,
		BankAccount:                p.BankAccountNumber,
		PaymentTerms:               p.PaymentTerms,
		ServiceCategory:            p.ProductTypes,
		Region:                     p.DeliveryLocation,
		FinancialContact:           p.FinanceContactName,
		PaymentCurrency:            app.Currency,
		FaxNumber:                  p.BusinessFax,
		BusinessRegistrationNumber: p.BusinessRegistrationNumber,
		CreatedAt:                  now,
	}
}

// bindBackOff bounds binding attempts by the allocator retry settings.
func (s *Service) bindBackOff(ctx context.Context) backoff.BackOff {
	attempts := s.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.retry.InitialBackoff),
		backoff.WithMaxInterval(s.retry.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}
