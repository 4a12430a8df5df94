package audit

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/model"
)

// Service bundles chain writing, verification, and archiving over a store.
type Service struct {
	store    store.Store
	writer   *Writer
	verifier *Verifier
	archiver *Archiver
	logger   *zap.Logger
}

// NewService wires the audit components from cfg.
func NewService(st store.Store, cfg config.AuditConfig, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		writer:   NewWriter(NewSensitivity(cfg.SensitiveActions), metrics, logger),
		verifier: NewVerifier(st, metrics, logger),
		archiver: NewArchiver(st, cfg.ArchiveDir, metrics, logger),
		logger:   logger,
	}
}

// Writer returns the writer business transactions append through.
func (s *Service) Writer() *Writer { return s.writer }

// Append records rec in a transaction of its own, for actions that have no
// enclosing business transaction.
func (s *Service) Append(ctx context.Context, rec Record) (model.AuditEntry, error) {
	var entry model.AuditEntry
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = s.writer.Append(ctx, tx, rec)
		return err
	})
	return entry, err
}

// VerifyChain checks the chain over r.
func (s *Service) VerifyChain(ctx context.Context, r model.AuditRange) (model.ChainVerification, error) {
	ctx, span := observability.StartSpan(ctx, "audit.VerifyChain")
	result, err := s.verifier.VerifyChain(ctx, r)
	observability.EndSpan(span, err)
	return result, err
}

// Archive copies entry id to cold storage and audits the archiving itself.
func (s *Service) Archive(ctx context.Context, id int64) (model.ArchiveRecord, error) {
	ctx, span := observability.StartSpan(ctx, "audit.Archive", observability.AttrAuditLogID.Int64(id))
	rec, err := s.archiver.Archive(ctx, id)
	observability.EndSpan(span, err)
	if err != nil {
		return model.ArchiveRecord{}, err
	}
	_, err = s.Append(ctx, RecordFor(model.ActorFrom(ctx), "audit_log", strconv.FormatInt(id, 10), "archive_audit_log",
		map[string]any{"archive_file_path": rec.ArchiveFilePath, "file_hash": rec.FileHash}))
	if err != nil {
		observability.LoggerFrom(ctx, s.logger).Warn("failed to audit archive operation",
			zap.Int64("audit_log_id", id), zap.Error(err))
	}
	return rec, nil
}

// VerifyArchived re-checks the archived copy of entry id.
func (s *Service) VerifyArchived(ctx context.Context, id int64) (model.ArchiveVerification, error) {
	return s.archiver.VerifyArchived(ctx, id)
}

// ArchiveSensitive archives the sensitive entries among entries. Failures
// are logged; the entries stay in the live chain regardless.
func (s *Service) ArchiveSensitive(ctx context.Context, entries ...model.AuditEntry) {
	for _, e := range entries {
		if !e.IsSensitive || e.ID == 0 {
			continue
		}
		if _, err := s.archiver.Archive(ctx, e.ID); err != nil {
			observability.LoggerFrom(ctx, s.logger).Warn("failed to archive sensitive audit entry",
				zap.Int64("audit_log_id", e.ID), zap.String("action", e.Action), zap.Error(err))
		}
	}
}

// EntityEntries lists the entries recorded for one entity, oldest first.
func (s *Service) EntityEntries(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	return s.store.AuditEntriesForEntity(ctx, entityType, entityID)
}
