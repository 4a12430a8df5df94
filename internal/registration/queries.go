package registration

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/onboarding/internal/capability"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/internal/workflow"
	"github.com/pitabwire/onboarding/model"
)

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

// Paging limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ApplicationList is one page of applications and the unpaged total.
type ApplicationList struct {
	Items []model.Application `json:"items"`
	Total int                 `json:"total"`
}

// ApplicationStatus is an application's status with its step progress.
type ApplicationStatus struct {
	ApplicationID int64                   `json:"application_id"`
	Status        string                  `json:"status"`
	CurrentStep   string                  `json:"current_step,omitempty"`
	SupplierCode  *string                 `json:"supplier_code,omitempty"`
	Steps         []workflow.StepProgress `json:"steps"`
}

// GetApplication loads an application the actor may see.
func (s *Service) GetApplication(ctx context.Context, id int64, actor *model.Actor) (model.Application, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return model.Application{}, err
	}
	if err := canView(actor, app); err != nil {
		return model.Application{}, err
	}
	return app, nil
}

// StatusByTrackingToken returns the status of the application issued
// token at submission. It needs no login.
func (s *Service) StatusByTrackingToken(ctx context.Context, token string) (ApplicationStatus, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ApplicationStatus{}, model.NewBadRequestError("Tracking token is required")
	}
	apps, err := s.store.ListApplications(ctx, store.ApplicationFilter{TrackingToken: token, Limit: 1})
	if err != nil {
		return ApplicationStatus{}, fmt.Errorf("registration: list applications: %w", err)
	}
	if len(apps) == 0 {
		return ApplicationStatus{}, model.NewNotFoundError("No application matches this tracking token")
	}
	app, err := s.store.GetApplication(ctx, apps[0].ID)
	if err != nil {
		return ApplicationStatus{}, err
	}
	return statusOf(&app), nil
}

// GetStatus returns the status and step progress of an application.
func (s *Service) GetStatus(ctx context.Context, id int64, actor *model.Actor) (ApplicationStatus, error) {
	app, err := s.GetApplication(ctx, id, actor)
	if err != nil {
		return ApplicationStatus{}, err
	}
	return statusOf(&app), nil
}

// StatusForAccount finds the application behind a tracking or temporary
// supplier login: by the account's related application, then by tracking
// account id, then by contact email.
func (s *Service) StatusForAccount(ctx context.Context, actor *model.Actor) (ApplicationStatus, error) {
	if actor == nil {
		return ApplicationStatus{}, model.NewForbiddenError("Authentication required")
	}
	if actor.RelatedApplicationID != nil {
		app, err := s.store.GetApplication(ctx, *actor.RelatedApplicationID)
		if err == nil {
			return statusOf(&app), nil
		}
		if !model.HasCode(err, model.ErrNotFound) {
			return ApplicationStatus{}, err
		}
	}

	filters := []store.ApplicationFilter{
		{TrackingAccountID: model.NormalizeEmail(actor.SubjectID)},
	}
	if email := model.NormalizeEmail(actor.Email); email != "" {
		filters = append(filters, store.ApplicationFilter{ContactEmail: email})
	}
	for _, f := range filters {
		apps, err := s.store.ListApplications(ctx, f)
		if err != nil {
			return ApplicationStatus{}, fmt.Errorf("registration: list applications: %w", err)
		}
		if len(apps) > 0 {
			// Newest application wins.
			app, err := s.store.GetApplication(ctx, apps[len(apps)-1].ID)
			if err != nil {
				return ApplicationStatus{}, err
			}
			return statusOf(&app), nil
		}
	}
	return ApplicationStatus{}, model.NewNotFoundError("No registration application is linked to this account")
}

// Pending lists the applications waiting on the actor's step. A purchaser
// sees only applications addressed to their email; the accountant also
// sees those awaiting code binding.
func (s *Service) Pending(ctx context.Context, actor *model.Actor, page Page) (ApplicationList, error) {
	f, ok, err := pendingFilter(actor)
	if err != nil || !ok {
		return ApplicationList{Items: []model.Application{}}, err
	}
	return s.list(ctx, f, page)
}

// PendingCount counts what Pending would list. Actors without a step, or
// without its permission, have nothing pending.
func (s *Service) PendingCount(ctx context.Context, actor *model.Actor) (int, error) {
	f, ok, err := pendingFilter(actor)
	if err != nil || !ok {
		return 0, nil
	}
	n, err := s.store.CountApplications(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("registration: count pending: %w", err)
	}
	return n, nil
}

// ApprovedByMe lists applications the actor approved at their own step.
func (s *Service) ApprovedByMe(ctx context.Context, actor *model.Actor, page Page) (ApplicationList, error) {
	step, ok, err := actorStep(actor)
	if err != nil || !ok || actor.SubjectID == "" {
		return ApplicationList{Items: []model.Application{}}, err
	}
	return s.list(ctx, store.ApplicationFilter{ApprovedBy: actor.SubjectID, ApprovedAtStep: step.Status}, page)
}

// History returns the audit trail of an application, oldest first.
func (s *Service) History(ctx context.Context, id int64, actor *model.Actor) ([]model.AuditEntry, error) {
	if _, err := s.GetApplication(ctx, id, actor); err != nil {
		return nil, err
	}
	entries, err := s.audit.EntityEntries(ctx, EntityType, strconv.FormatInt(id, 10))
	if err != nil {
		return nil, fmt.Errorf("registration: load history: %w", err)
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	return entries, nil
}

func (s *Service) list(ctx context.Context, f store.ApplicationFilter, page Page) (ApplicationList, error) {
	total, err := s.store.CountApplications(ctx, f)
	if err != nil {
		return ApplicationList{}, fmt.Errorf("registration: count applications: %w", err)
	}
	page = page.normalized()
	f.Limit, f.Offset = page.Limit, page.Offset
	items, err := s.store.ListApplications(ctx, f)
	if err != nil {
		return ApplicationList{}, fmt.Errorf("registration: list applications: %w", err)
	}
	if items == nil {
		items = []model.Application{}
	}
	return ApplicationList{Items: items, Total: total}, nil
}

// actorStep returns the step owned by the actor's role. ok is false for
// roles without a step; holding the role without its permission is an
// error.
func actorStep(actor *model.Actor) (workflow.Step, bool, error) {
	if actor == nil {
		return workflow.Step{}, false, model.NewForbiddenError("Authentication required")
	}
	step, ok := workflow.StepForRole(actor.Role)
	if !ok {
		return workflow.Step{}, false, nil
	}
	if !actor.HasPermission(step.Permission) {
		return workflow.Step{}, false, model.NewForbiddenError("No permission to view registration approvals").
			With("required_permission", step.Permission)
	}
	return step, true, nil
}

func pendingFilter(actor *model.Actor) (store.ApplicationFilter, bool, error) {
	step, ok, err := actorStep(actor)
	if err != nil || !ok {
		return store.ApplicationFilter{}, false, err
	}
	f := store.ApplicationFilter{Statuses: []string{step.Status}}
	switch step.Role {
	case model.RolePurchaser:
		email := model.NormalizeEmail(actor.Email)
		if email == "" {
			return store.ApplicationFilter{}, false, nil
		}
		f.ProcurementEmail = email
	case model.RoleFinanceAccountant:
		f.Statuses = append(f.Statuses, model.StatusPendingCodeBinding)
	}
	return f, true, nil
}

// canView lets staff with the view permission see any application and an
// applicant see their own.
func canView(actor *model.Actor, app model.Application) error {
	switch {
	case actor == nil:
		return model.NewForbiddenError("Authentication required")
	case actor.HasPermission(capability.PermRegistrationView):
		return nil
	case actor.RelatedApplicationID != nil && *actor.RelatedApplicationID == app.ID:
		return nil
	case actor.IsTrackingAccount() && app.TrackingAccountID != "" &&
		app.TrackingAccountID == model.NormalizeEmail(actor.SubjectID):
		return nil
	}
	return model.NewForbiddenError("No permission to view this application")
}

func statusOf(app *model.Application) ApplicationStatus {
	st := ApplicationStatus{
		ApplicationID: app.ID,
		Status:        app.Status,
		SupplierCode:  app.SupplierCode,
		Steps:         workflow.Progress(app),
	}
	if !app.IsTerminal() {
		st.CurrentStep = app.Status
	}
	return st
}
