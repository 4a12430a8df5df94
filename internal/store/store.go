// Package store persists applications, decisions, suppliers, accounts, the
// blacklist and the audit chain. The Postgres implementation is the source of
// truth; the in-memory implementation backs tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/onboarding/model"
)

// ErrRetryable marks failures that a caller may retry from the start of its
// transaction: serialization failures, deadlocks and unique-key collisions.
var ErrRetryable = errors.New("store: retryable conflict")

// IsRetryable reports whether err carries ErrRetryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// Duplicate match fields for FindOpenApplication.
const (
	MatchCreditCode   = "credit_code"
	MatchContactEmail = "contact_email"
)

// ApplicationFilter narrows ListApplications and CountApplications. Zero
// fields are ignored.
type ApplicationFilter struct {
	Statuses          []string
	ProcurementEmail  string
	ContactEmail      string
	TrackingAccountID string
	TrackingToken     string
	// ApprovedBy with ApprovedAtStep selects applications holding an
	// approved decision by that actor at that step.
	ApprovedBy     string
	ApprovedAtStep string
	Limit          int
	Offset         int
}

// Queries is the read/write surface shared by the store and its
// transactions.
type Queries interface {
	CreateApplication(ctx context.Context, app model.Application) (int64, error)
	// GetApplication returns the application with its decisions ordered
	// oldest first.
	GetApplication(ctx context.Context, id int64) (model.Application, error)
	// UpdateApplication persists app if its Version still matches the stored
	// row and bumps the version. A stale version yields CONFLICT.
	UpdateApplication(ctx context.Context, app model.Application) error
	AppendDecision(ctx context.Context, d model.StepDecision) (int64, error)
	ListApplications(ctx context.Context, f ApplicationFilter) ([]model.Application, error)
	CountApplications(ctx context.Context, f ApplicationFilter) (int, error)
	// FindOpenApplication returns a non-terminal application whose field
	// matches value, ignoring the one created from excludeDraftToken. It
	// returns nil when there is none.
	FindOpenApplication(ctx context.Context, field, value, excludeDraftToken string) (*model.Application, error)

	// MaxCode returns the lexicographically greatest code of the given
	// length with the prefix across application supplier codes, supplier
	// company ids and supplier codes, or "" when none exists.
	MaxCode(ctx context.Context, prefix string, length int) (string, error)
	CodeExists(ctx context.Context, code string) (bool, error)

	CreateSupplier(ctx context.Context, s model.Supplier) (int64, error)
	GetSupplier(ctx context.Context, id int64) (model.Supplier, error)

	GetAccount(ctx context.Context, id string) (model.Account, error)
	AccountByUsername(ctx context.Context, username string) (*model.Account, error)
	AccountByEmail(ctx context.Context, email, role string) (*model.Account, error)
	AccountsByRole(ctx context.Context, role string) ([]model.Account, error)
	// SaveAccount inserts or replaces the account keyed by ID.
	SaveAccount(ctx context.Context, a model.Account) error

	FindBlacklistEntry(ctx context.Context, typ, value string, now time.Time) (*model.BlacklistEntry, error)
	AddBlacklistEntry(ctx context.Context, e model.BlacklistEntry) (int64, error)

	// LastAuditEntry returns the newest chain entry, or nil on an empty chain.
	LastAuditEntry(ctx context.Context) (*model.AuditEntry, error)
	InsertAuditEntry(ctx context.Context, e model.AuditEntry) (int64, error)
	GetAuditEntry(ctx context.Context, id int64) (model.AuditEntry, error)
	ListAuditEntries(ctx context.Context, r model.AuditRange) ([]model.AuditEntry, error)
	AuditEntriesForEntity(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error)

	SaveArchiveRecord(ctx context.Context, rec model.ArchiveRecord) error
	GetArchiveRecord(ctx context.Context, auditLogID int64) (model.ArchiveRecord, error)
}

// Tx is a unit of work. Locks taken through it are released at commit or
// rollback.
type Tx interface {
	Queries

	// GetApplicationForUpdate reads the application and holds a row lock
	// until the transaction ends.
	GetApplicationForUpdate(ctx context.Context, id int64) (model.Application, error)
	// LockPrefix serializes code allocation for one prefix.
	LockPrefix(ctx context.Context, prefix string) error
	// LockAuditChain serializes appends to the audit chain.
	LockAuditChain(ctx context.Context) error
}

// Store is the entry point used by services.
type Store interface {
	Queries

	// WithinTx runs fn in a transaction, committing when fn returns nil.
	// Store methods must not be called from inside fn; use tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}
