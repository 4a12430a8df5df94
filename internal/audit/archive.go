package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/model"
)

// ArchiveStore is the persistence the archiver needs.
type ArchiveStore interface {
	GetAuditEntry(ctx context.Context, id int64) (model.AuditEntry, error)
	SaveArchiveRecord(ctx context.Context, rec model.ArchiveRecord) error
	GetArchiveRecord(ctx context.Context, auditLogID int64) (model.ArchiveRecord, error)
}

// archiveDocument is the on-disk form of an archived entry.
type archiveDocument struct {
	AuditLogID int64         `json:"audit_log_id"`
	ArchivedAt string        `json:"archived_at"`
	Entry      archivedEntry `json:"log_entry"`
}

type archivedEntry struct {
	ID             int64           `json:"id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Action         string          `json:"action"`
	Changes        json.RawMessage `json:"changes"`
	ActorID        string          `json:"actor_id"`
	ActorName      string          `json:"actor_name"`
	IPAddress      string          `json:"ip_address"`
	IsSensitive    bool            `json:"is_sensitive"`
	Immutable      bool            `json:"immutable"`
	PreviousHash   string          `json:"previous_hash"`
	HashChainValue string          `json:"hash_chain_value"`
	CreatedAt      string          `json:"created_at"`
}

// signature is written next to each archive file.
type signature struct {
	AuditLogID int64  `json:"audit_log_id"`
	File       string `json:"file"`
	Hash       string `json:"hash"`
	Algorithm  string `json:"algorithm"`
	CreatedAt  string `json:"created_at"`
}

// Archiver copies audit entries to cold storage and re-verifies the copies.
type Archiver struct {
	store   ArchiveStore
	dir     string
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewArchiver creates an archiver writing under dir. metrics may be nil.
func NewArchiver(store ArchiveStore, dir string, metrics *observability.Metrics, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, dir: dir, metrics: metrics, logger: logger, now: time.Now}
}

// Archive writes entry id to a read-only JSON file with a SHA-256 signature
// file beside it and records the archive. Archiving again replaces the copy.
func (a *Archiver) Archive(ctx context.Context, id int64) (model.ArchiveRecord, error) {
	entry, err := a.store.GetAuditEntry(ctx, id)
	if err != nil {
		return model.ArchiveRecord{}, err
	}

	now := a.now().UTC()
	changes, err := CompactChanges(entry.Changes)
	if err != nil {
		// Keep whatever is stored; verification will flag it.
		changes = nil
	}
	doc := archiveDocument{
		AuditLogID: entry.ID,
		ArchivedAt: now.Format(time.RFC3339Nano),
		Entry: archivedEntry{
			ID:             entry.ID,
			EntityType:     entry.EntityType,
			EntityID:       entry.EntityID,
			Action:         entry.Action,
			Changes:        changes,
			ActorID:        entry.ActorID,
			ActorName:      entry.ActorName,
			IPAddress:      entry.IPAddress,
			IsSensitive:    entry.IsSensitive,
			Immutable:      entry.Immutable,
			PreviousHash:   entry.PreviousHash,
			HashChainValue: entry.HashChainValue,
			CreatedAt:      FormatTimestamp(entry.CreatedAt),
		},
	}
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return model.ArchiveRecord{}, fmt.Errorf("audit: encode archive: %w", err)
	}

	dayDir := filepath.Join(a.dir, entry.CreatedAt.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o750); err != nil {
		return model.ArchiveRecord{}, fmt.Errorf("audit: create archive directory: %w", err)
	}
	name := fmt.Sprintf("audit-%s-%d.json", entry.CreatedAt.UTC().Format("2006-01-02T15-04-05.000"), entry.ID)
	path := filepath.Join(dayDir, name)

	fileHash := hashBytes(content)
	if err := writeReadOnly(path, content); err != nil {
		return model.ArchiveRecord{}, err
	}
	sig, err := json.MarshalIndent(signature{
		AuditLogID: entry.ID,
		File:       name,
		Hash:       fileHash,
		Algorithm:  "SHA-256",
		CreatedAt:  now.Format(time.RFC3339Nano),
	}, "", "  ")
	if err != nil {
		return model.ArchiveRecord{}, fmt.Errorf("audit: encode signature: %w", err)
	}
	if err := writeReadOnly(path+".sig", sig); err != nil {
		return model.ArchiveRecord{}, err
	}

	rec := model.ArchiveRecord{
		AuditLogID:         entry.ID,
		ArchiveFilePath:    path,
		FileHash:           fileHash,
		VerificationStatus: model.ArchiveStatusArchived,
		ArchivedAt:         now,
	}
	if err := a.store.SaveArchiveRecord(ctx, rec); err != nil {
		return model.ArchiveRecord{}, fmt.Errorf("audit: record archive of entry %d: %w", id, err)
	}

	a.metrics.RecordAuditArchive(model.ArchiveStatusArchived)
	observability.LoggerFrom(ctx, a.logger).Info("audit entry archived",
		zap.Int64("audit_log_id", entry.ID),
		zap.String("path", path),
	)
	return rec, nil
}

// VerifyArchived re-hashes the archived file of entry id and recomputes the
// entry's chain value from the archived content. The outcome is stored on
// the archive record; a failed verification is a finding, not an error.
func (a *Archiver) VerifyArchived(ctx context.Context, id int64) (model.ArchiveVerification, error) {
	rec, err := a.store.GetArchiveRecord(ctx, id)
	if err != nil {
		return model.ArchiveVerification{}, err
	}

	result := a.check(ctx, rec)
	if result.Valid {
		result.Status = model.ArchiveStatusVerified
	} else {
		result.Status = model.ArchiveStatusFailed
	}

	verifiedAt := a.now().UTC()
	rec.VerificationStatus = result.Status
	rec.VerifiedAt = &verifiedAt
	if err := a.store.SaveArchiveRecord(ctx, rec); err != nil {
		return model.ArchiveVerification{}, fmt.Errorf("audit: record verification of entry %d: %w", id, err)
	}

	a.metrics.RecordAuditArchive(result.Status)
	if !result.Valid {
		observability.LoggerFrom(ctx, a.logger).Error("archived audit entry failed verification",
			zap.String("code", model.ErrIntegrityViolation),
			zap.Int64("audit_log_id", id),
			zap.String("path", rec.ArchiveFilePath),
			zap.String("reason", result.Message),
		)
	}
	return result, nil
}

func (a *Archiver) check(ctx context.Context, rec model.ArchiveRecord) model.ArchiveVerification {
	result := model.ArchiveVerification{AuditLogID: rec.AuditLogID, ExpectedHash: rec.FileHash}

	content, err := os.ReadFile(rec.ArchiveFilePath)
	if errors.Is(err, fs.ErrNotExist) {
		result.Message = "Archive file not found."
		return result
	}
	if err != nil {
		result.Message = fmt.Sprintf("Archive file unreadable: %v", err)
		return result
	}

	result.FileHash = hashBytes(content)
	if result.FileHash != rec.FileHash {
		result.Message = "Archive hash mismatch."
		return result
	}

	var sig signature
	sigBytes, err := os.ReadFile(rec.ArchiveFilePath + ".sig")
	if err != nil || json.Unmarshal(sigBytes, &sig) != nil || sig.Hash != rec.FileHash {
		result.Message = "Archive signature missing or does not match."
		return result
	}

	var doc archiveDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		result.Message = "Archive content is not a valid audit document."
		return result
	}
	archived, err := doc.Entry.toModel()
	if err != nil {
		result.Message = "Archive content is not a valid audit document."
		return result
	}
	recomputed, err := ComputeHash(archived, archived.PreviousHash)
	result.ChainIntact = err == nil && recomputed == archived.HashChainValue
	if result.ChainIntact {
		live, err := a.store.GetAuditEntry(ctx, rec.AuditLogID)
		result.ChainIntact = err == nil && live.HashChainValue == archived.HashChainValue
	}
	if !result.ChainIntact {
		result.Message = "Archived entry does not match the audit chain."
		return result
	}

	result.Valid = true
	result.Message = "Archive integrity verified."
	return result
}

func (e archivedEntry) toModel() (model.AuditEntry, error) {
	createdAt, err := time.Parse(TimestampLayout, e.CreatedAt)
	if err != nil {
		return model.AuditEntry{}, err
	}
	return model.AuditEntry{
		ID:             e.ID,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Action:         e.Action,
		Changes:        e.Changes,
		ActorID:        e.ActorID,
		ActorName:      e.ActorName,
		IPAddress:      e.IPAddress,
		CreatedAt:      createdAt,
		IsSensitive:    e.IsSensitive,
		Immutable:      e.Immutable,
		PreviousHash:   e.PreviousHash,
		HashChainValue: e.HashChainValue,
	}, nil
}

// writeReadOnly replaces path atomically with a 0444 file holding data.
func writeReadOnly(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return fmt.Errorf("audit: create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("audit: write archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("audit: close archive file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return fmt.Errorf("audit: protect archive file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("audit: install archive file: %w", err)
	}
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
