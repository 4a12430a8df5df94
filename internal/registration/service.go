// Package registration orchestrates supplier onboarding: public submission,
// the approval pipeline, supplier code binding and the read models built on
// top of them. Every state change commits together with its audit entry.
package registration

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pitabwire/onboarding/internal/audit"
	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/internal/documents"
	"github.com/pitabwire/onboarding/internal/draft"
	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/screening"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/internal/validation"
	"github.com/pitabwire/onboarding/model"
)

// EntityType is the audit entity type of application entries.
const EntityType = "supplier_registration"

// Audit actions recorded against applications.
const (
	ActionSubmit           = "submit"
	ActionApproveStep      = "approve_step"
	ActionReject           = "reject"
	ActionRequestInfo      = "request_info"
	ActionBindSupplierCode = "bind_supplier_code"
)

// Notifier receives workflow events after they commit.
type Notifier interface {
	ApprovalRequired(ctx context.Context, app model.Application)
	Activated(ctx context.Context, app model.Application)
	Rejected(ctx context.Context, app model.Application, step string)
	InfoRequested(ctx context.Context, app model.Application, step, message string)
}

type nopNotifier struct{}

func (nopNotifier) ApprovalRequired(context.Context, model.Application) {}
func (nopNotifier) Activated(context.Context, model.Application) {}
func (nopNotifier) Rejected(context.Context, model.Application, string) {}
func (nopNotifier) InfoRequested(context.Context, model.Application, string, string) {}

// Service implements the onboarding operations.
type Service struct {
	store     store.Store
	audit     *audit.Service
	validator *validation.Validator
	screener  *screening.Screener
	documents documents.Store
	drafts    *draft.Service
	notifier  Notifier
	metrics   *observability.Metrics
	logger    *zap.Logger
	retry     config.AllocatorConfig

	now          func() time.Time
	newPassword  func() (string, error)
	newTracking  func() string
	passwordCost int
}

// Option configures optional dependencies.
type Option func(*Service)

// WithDocuments sets the store uploads are written to. Without one,
// submissions keep no documents.
func WithDocuments(d documents.Store) Option {
	return func(s *Service) { s.documents = d }
}

// WithDrafts links submissions to the draft store.
func WithDrafts(d *draft.Service) Option {
	return func(s *Service) { s.drafts = d }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAllocatorRetry sets the retry policy for code binding collisions.
func WithAllocatorRetry(cfg config.AllocatorConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// NewService creates a Service over st with its required collaborators.
func NewService(st store.Store, auditSvc *audit.Service, validator *validation.Validator, opts ...Option) *Service {
	s := &Service{
		store:        st,
		audit:        auditSvc,
		validator:    validator,
		notifier:     nopNotifier{},
		logger:       zap.NewNop(),
		retry:        config.Defaults().Allocator,
		now:          time.Now,
		newPassword:  temporaryPassword,
		newTracking:  uuid.NewString,
		passwordCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.screener = screening.NewScreener(st, s.logger)
	return s
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return observability.LoggerFrom(ctx, s.logger)
}

// record builds an audit record for application id.
func record(actor *model.Actor, id int64, action string, changes any) audit.Record {
	return audit.RecordFor(actor, EntityType, strconv.FormatInt(id, 10), action, changes)
}

// afterCommit archives sensitive entries once their transaction is durable.
func (s *Service) afterCommit(ctx context.Context, entries ...model.AuditEntry) {
	s.audit.ArchiveSensitive(ctx, entries...)
}
