// Package notify tells approvers and applicants about workflow progress.
// Delivery is best-effort: failures are logged and counted, never returned.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/workflow"
	"github.com/pitabwire/onboarding/model"
)

// Kind identifies a notification type.
type Kind string

// Notification kinds.
const (
	KindApprovalRequired Kind = "approval_required"
	KindActivated        Kind = "activated"
	KindRejected         Kind = "rejected"
	KindInfoRequested    Kind = "info_requested"
)

// Message is one notification as published.
type Message struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	ApplicationID int64     `json:"application_id"`
	CompanyName   string    `json:"company_name"`
	Status        string    `json:"status"`
	Recipients    []string  `json:"recipients"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Directory resolves approver addresses.
type Directory interface {
	AccountsByRole(ctx context.Context, role string) ([]model.Account, error)
}

// Notifier routes workflow events to recipients and publishes them.
type Notifier struct {
	directory Directory
	publisher Publisher
	breaker   *CircuitBreaker
	metrics   *observability.Metrics
	logger    *zap.Logger
	timeout   time.Duration
	now       func() time.Time
}

// New creates a notifier. The breaker reports its state on the metrics
// gauge.
func New(directory Directory, publisher Publisher, breaker *CircuitBreaker, metrics *observability.Metrics, logger *zap.Logger, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	breaker.OnStateChange(func(s BreakerState) {
		metrics.SetNotifierCircuitBreakerState(s.gaugeValue())
	})
	return &Notifier{
		directory: directory,
		publisher: publisher,
		breaker:   breaker,
		metrics:   metrics,
		logger:    logger,
		timeout:   timeout,
		now:       time.Now,
	}
}

// ApprovalRequired notifies whoever acts on the application's current
// status. A pending_purchaser application goes to its assigned purchaser
// when there is one.
func (n *Notifier) ApprovalRequired(ctx context.Context, app model.Application) {
	recipients, err := n.approvers(ctx, app)
	if err != nil {
		n.logger.Warn("notification recipients lookup failed",
			append(observability.ApplicationFields(app.ID, app.Status), zap.Error(err))...)
		n.metrics.RecordNotification(string(KindApprovalRequired), "failed")
		return
	}
	label := StatusLabel(app.Status)
	n.send(ctx, Message{
		Kind:       KindApprovalRequired,
		Recipients: recipients,
		Subject:    fmt.Sprintf("Supplier registration awaiting %s approval - %s", label, app.Profile.CompanyName),
		Body: fmt.Sprintf("Supplier registration approval required.\n\nApplication ID: %d\nCompany Name: %s\n"+
			"Step: %s\nContact: %s\nContact Email: %s\nContact Phone: %s\nSubmitted At (UTC): %s\n",
			app.ID, app.Profile.CompanyName, label, app.Profile.ContactName, app.Profile.ContactEmail,
			app.Profile.ContactPhone, app.CreatedAt.UTC().Format(time.RFC3339)),
	}, app)
}

// Activated tells the applicant the supplier account is live.
func (n *Notifier) Activated(ctx context.Context, app model.Application) {
	code := "N/A"
	if app.SupplierCode != nil {
		code = *app.SupplierCode
	}
	n.send(ctx, Message{
		Kind:       KindActivated,
		Recipients: addresses(app.Profile.ContactEmail),
		Subject:    fmt.Sprintf("Supplier registration approved - %s", app.Profile.CompanyName),
		Body: fmt.Sprintf("Supplier registration approved.\n\nCompany Name: %s\nSupplier Code: %s\nLogin Email: %s\n\n"+
			"Please log in and change your password.\n", app.Profile.CompanyName, code, app.Profile.ContactEmail),
	}, app)
}

// Rejected tells the applicant and the assigned purchaser why the
// application was rejected.
func (n *Notifier) Rejected(ctx context.Context, app model.Application, step string) {
	n.send(ctx, Message{
		Kind:       KindRejected,
		Recipients: addresses(app.Profile.ContactEmail, app.AssignedPurchaserEmail),
		Subject:    fmt.Sprintf("Supplier registration rejected - %s", app.Profile.CompanyName),
		Body: fmt.Sprintf("Supplier registration rejected.\n\nCompany Name: %s\nRejected At Step: %s\nReason: %s\n",
			app.Profile.CompanyName, StatusLabel(step), app.RejectionReason),
	}, app)
}

// InfoRequested asks the applicant for more information.
func (n *Notifier) InfoRequested(ctx context.Context, app model.Application, step, message string) {
	n.send(ctx, Message{
		Kind:       KindInfoRequested,
		Recipients: addresses(app.Profile.ContactEmail),
		Subject:    fmt.Sprintf("More information needed for supplier registration - %s", app.Profile.CompanyName),
		Body: fmt.Sprintf("The %s reviewer needs more information.\n\nCompany Name: %s\nMessage: %s\n",
			StatusLabel(step), app.Profile.CompanyName, message),
	}, app)
}

// Close releases the publisher.
func (n *Notifier) Close() error {
	return n.publisher.Close()
}

func (n *Notifier) send(ctx context.Context, msg Message, app model.Application) {
	msg.ID = uuid.NewString()
	msg.ApplicationID = app.ID
	msg.CompanyName = app.Profile.CompanyName
	msg.Status = app.Status
	msg.OccurredAt = n.now().UTC()

	log := n.logger.With(observability.ApplicationFields(app.ID, app.Status)...).
		With(zap.String("kind", string(msg.Kind)))

	if len(msg.Recipients) == 0 {
		log.Warn("notification skipped: no recipients")
		n.metrics.RecordNotification(string(msg.Kind), "skipped")
		return
	}
	if err := n.breaker.Allow(); err != nil {
		log.Warn("notification dropped", zap.Error(err))
		n.metrics.RecordNotification(string(msg.Kind), "breaker_open")
		return
	}

	// Delivery outlives a cancelled request but not the timeout.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.publisher.Publish(pctx, msg); err != nil {
		n.breaker.RecordFailure()
		log.Warn("notification delivery failed", zap.Error(err))
		n.metrics.RecordNotification(string(msg.Kind), "failed")
		return
	}
	n.breaker.RecordSuccess()
	n.metrics.RecordNotification(string(msg.Kind), "sent")
	log.Debug("notification published", zap.String("notification_id", msg.ID))
}

// approvers resolves the addresses of whoever acts on app next.
func (n *Notifier) approvers(ctx context.Context, app model.Application) ([]string, error) {
	if app.Status == model.StatusPendingPurchaser && strings.TrimSpace(app.AssignedPurchaserEmail) != "" {
		return addresses(app.AssignedPurchaserEmail), nil
	}
	role, ok := workflow.RoleForStatus(app.Status)
	if !ok {
		return nil, nil
	}
	accounts, err := n.directory.AccountsByRole(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("accounts for role %s: %w", role, err)
	}
	emails := make([]string, 0, len(accounts))
	for _, a := range accounts {
		emails = append(emails, a.Email)
	}
	return addresses(emails...), nil
}

// addresses normalizes, drops blanks and deduplicates, keeping first-seen
// order.
func addresses(emails ...string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = model.NormalizeEmail(e)
		if e == "" || !seen.Add(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

var statusLabels = map[string]string{
	model.StatusPendingPurchaser:           "Purchaser",
	model.StatusPendingQualityManager:      "Quality Manager",
	model.StatusPendingProcurementManager:  "Procurement Manager",
	model.StatusPendingProcurementDirector: "Procurement Director",
	model.StatusPendingFinanceDirector:     "Finance Director",
	model.StatusPendingAccountant:          "Finance Accountant",
	model.StatusPendingCodeBinding:         "Supplier Code Binding",
	model.StatusPendingCashier:             "Finance Cashier",
	model.StatusActivated:                  "Activated",
	model.StatusRejected:                   "Rejected",
}

// StatusLabel returns a human readable name for a status.
func StatusLabel(status string) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return status
}
