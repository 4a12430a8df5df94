// Package documents stores the files uploaded with a registration.
package documents

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/model"
)

// Supported content types.
const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeGIF  = "image/gif"
	MimeBMP  = "image/bmp"
	MimePDF  = "application/pdf"
	MimeDOC  = "application/msword"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Field error codes.
const (
	CodeInvalidDocument  = "INVALID_DOCUMENT"
	CodeTooLarge         = "DOCUMENT_TOO_LARGE"
	CodeUnsupportedType  = "UNSUPPORTED_FILE_TYPE"
	CodeMimeTypeMismatch = "MIME_TYPE_MISMATCH"
)

// subdir holds registration uploads beneath the root.
const subdir = "registration"

var signatures = []struct {
	mime  string
	magic []byte
}{
	{MimeJPEG, []byte{0xFF, 0xD8, 0xFF}},
	{MimePNG, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	{MimeGIF, []byte("GIF8")},
	{MimeBMP, []byte("BM")},
	{MimePDF, []byte("%PDF")},
	{MimeDOC, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}},
	{MimeDOCX, []byte{0x50, 0x4B, 0x03, 0x04}},
}

var extensions = map[string]string{
	MimeJPEG: "jpg",
	MimePNG:  "png",
	MimeGIF:  "gif",
	MimeBMP:  "bmp",
	MimePDF:  "pdf",
	MimeDOC:  "doc",
	MimeDOCX: "docx",
}

var (
	dataURL    = regexp.MustCompile(`(?is)^data:([^;]+);base64,(.+)$`)
	unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

// Store persists uploads and removes them again when a submission fails.
type Store interface {
	Put(ctx context.Context, kind string, u model.Upload) (model.DocumentRef, error)
	Delete(ctx context.Context, ref model.DocumentRef) error
}

// FileStore keeps documents on the local filesystem under a root directory.
type FileStore struct {
	root    string
	maxSize int64
	logger  *zap.Logger
	now     func() time.Time
}

// NewFileStore creates a file store from cfg.
func NewFileStore(cfg config.DocumentsConfig, logger *zap.Logger) *FileStore {
	return &FileStore{
		root:    cfg.RootDir,
		maxSize: cfg.MaxSizeBytes,
		logger:  logger,
		now:     time.Now,
	}
}

// Put decodes the upload, checks its size and content type, and writes it.
// The returned reference is relative to the store root.
func (s *FileStore) Put(ctx context.Context, kind string, u model.Upload) (model.DocumentRef, error) {
	data, claimed := decode(u.Content, u.MimeType)
	if len(data) == 0 {
		return model.DocumentRef{}, model.NewFieldValidationError(kind, CodeInvalidDocument, "Document content is empty or not valid base64")
	}
	if int64(len(data)) > s.maxSize {
		return model.DocumentRef{}, model.NewFieldValidationError(kind, CodeTooLarge,
			fmt.Sprintf("Document exceeds the %d byte limit", s.maxSize))
	}

	detected := Detect(data)
	if detected == "" {
		return model.DocumentRef{}, model.NewFieldValidationError(kind, CodeUnsupportedType, "Document type is not supported")
	}
	if !Compatible(claimed, detected) {
		return model.DocumentRef{}, model.NewFieldValidationError(kind, CodeMimeTypeMismatch,
			fmt.Sprintf("Document content is %s but was declared as %s", detected, claimed))
	}

	name := sanitizeName(u.FileName)
	file := fmt.Sprintf("%s-%d-%s.%s", kind, s.now().UnixMilli(), uuid.NewString()[:8], extension(name, detected))
	ref := path.Join(subdir, file)

	abs := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return model.DocumentRef{}, fmt.Errorf("documents: create directory: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o640); err != nil {
		return model.DocumentRef{}, fmt.Errorf("documents: write %s: %w", ref, err)
	}

	s.logger.Debug("document stored",
		zap.String("kind", kind),
		zap.String("reference", ref),
		zap.String("mime_type", detected),
		zap.Int("size", len(data)),
	)

	return model.DocumentRef{
		Kind:      kind,
		Reference: ref,
		FileName:  name,
		MimeType:  detected,
		Size:      int64(len(data)),
	}, nil
}

// Delete removes a stored document. Missing files are not an error.
func (s *FileStore) Delete(_ context.Context, ref model.DocumentRef) error {
	clean := path.Clean("/" + ref.Reference)
	if ref.Reference == "" || !strings.HasPrefix(clean, "/"+subdir+"/") {
		return fmt.Errorf("documents: invalid reference %q", ref.Reference)
	}
	abs := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("documents: delete %s: %w", ref.Reference, err)
	}
	return nil
}

// Detect returns the content type identified by the leading bytes of data,
// or "" when it is not one of the supported types.
func Detect(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for _, sig := range signatures {
		if bytes.HasPrefix(data, sig.magic) {
			return sig.mime
		}
	}
	return ""
}

// Compatible reports whether a declared content type agrees with the
// detected one. An undeclared or generic type is always accepted.
func Compatible(claimed, detected string) bool {
	claimed = strings.ToLower(strings.TrimSpace(claimed))
	switch claimed {
	case "", "application/octet-stream":
		return true
	case "image/jpg":
		claimed = MimeJPEG
	}
	return claimed == detected
}

// decode accepts a data URL or bare base64 and returns the bytes with the
// declared type. A data URL's type overrides the fallback.
func decode(content, fallback string) ([]byte, string) {
	content = strings.TrimSpace(content)
	mime := fallback
	if m := dataURL.FindStringSubmatch(content); m != nil {
		mime, content = m[1], m[2]
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, mime
	}
	return data, mime
}

func sanitizeName(name string) string {
	safe := unsafeName.ReplaceAllString(strings.TrimSpace(name), "_")
	if safe == "" {
		return "document"
	}
	return safe
}

func extension(name, mime string) string {
	if ext := strings.TrimPrefix(filepath.Ext(name), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if ext, ok := extensions[mime]; ok {
		return ext
	}
	return "bin"
}
