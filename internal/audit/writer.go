package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/model"
)

// Log is the slice of a store transaction the writer appends through.
// LockAuditChain must serialize appenders until the transaction ends.
type Log interface {
	LockAuditChain(ctx context.Context) error
	LastAuditEntry(ctx context.Context) (*model.AuditEntry, error)
	InsertAuditEntry(ctx context.Context, e model.AuditEntry) (int64, error)
}

// Record describes one state-changing action.
type Record struct {
	EntityType string
	EntityID   string
	Action     string
	// Changes is marshalled to JSON unless it already is raw JSON.
	Changes   any
	ActorID   string
	ActorName string
	IPAddress string
}

// RecordFor starts a record attributed to actor. A nil actor is the system.
func RecordFor(actor *model.Actor, entityType, entityID, action string, changes any) Record {
	rec := Record{EntityType: entityType, EntityID: entityID, Action: action, Changes: changes}
	if actor != nil {
		rec.ActorID = actor.SubjectID
		rec.ActorName = actor.Name
		rec.IPAddress = actor.IPAddress
	}
	return rec
}

// Writer appends hash-chained entries.
type Writer struct {
	sensitivity *Sensitivity
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewWriter creates a writer. metrics may be nil.
func NewWriter(sensitivity *Sensitivity, metrics *observability.Metrics, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		sensitivity: sensitivity,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// Append writes rec as the next chain entry through log, which must be the
// caller's open transaction so the entry commits or rolls back with the
// business change it records.
func (w *Writer) Append(ctx context.Context, log Log, rec Record) (model.AuditEntry, error) {
	changes, err := marshalChanges(rec.Changes)
	if err != nil {
		return model.AuditEntry{}, err
	}

	entry := model.AuditEntry{
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		Action:      rec.Action,
		Changes:     changes,
		ActorID:     orDefault(rec.ActorID, defaultActor),
		ActorName:   rec.ActorName,
		IPAddress:   orDefault(rec.IPAddress, defaultIP),
		CreatedAt:   w.now().UTC().Truncate(time.Microsecond),
		IsSensitive: w.sensitivity.IsSensitive(rec.Action),
		Immutable:   true,
	}

	if err := log.LockAuditChain(ctx); err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit: lock chain: %w", err)
	}
	last, err := log.LastAuditEntry(ctx)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit: read chain head: %w", err)
	}
	entry.PreviousHash = GenesisHash
	if last != nil {
		entry.PreviousHash = last.HashChainValue
	}

	entry.HashChainValue, err = ComputeHash(entry, entry.PreviousHash)
	if err != nil {
		return model.AuditEntry{}, err
	}

	entry.ID, err = log.InsertAuditEntry(ctx, entry)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit: insert %s entry: %w", rec.Action, err)
	}

	w.metrics.RecordAuditEntry(entry.Action, entry.IsSensitive)
	observability.LoggerFrom(ctx, w.logger).Debug("audit entry appended",
		zap.Int64("audit_log_id", entry.ID),
		zap.String("action", entry.Action),
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.Bool("sensitive", entry.IsSensitive),
	)
	return entry, nil
}

func marshalChanges(changes any) (json.RawMessage, error) {
	var raw []byte
	switch v := changes.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal changes: %w", err)
		}
		raw = b
	}
	return CompactChanges(raw)
}
