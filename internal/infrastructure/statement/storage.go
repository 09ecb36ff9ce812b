package statement

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PDFStorage defines the interface for storing and retrieving
// rendered statement files
type PDFStorage interface {
	// Store saves a statement PDF and returns its path and URL
	Store(ctx context.Context, req *StoreRequest) (*StoreResult, error)
	// Get retrieves a statement PDF by its storage-relative path
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes a statement PDF
	Delete(ctx context.Context, path string) error
	// CleanupOlderThan removes files older than the specified duration
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
	// GetURL returns the accessible URL for a stored statement
	GetURL(path string) string
}

// StoreRequest contains the parameters for storing a statement PDF
type StoreRequest struct {
	// TenantID for multi-tenant isolation
	TenantID uuid.UUID
	// StatementID names the stored file
	StatementID uuid.UUID
	// Period places the file under the billed year/month
	Period time.Time
	// PDFData is the raw PDF content
	PDFData []byte
}

// StoreResult contains the result of storing a statement PDF
type StoreResult struct {
	// Path is the storage path (relative to base)
	Path string
	// URL is the accessible URL for the PDF
	URL string
	// Size is the file size in bytes
	Size int64
}

// FileSystemStorageConfig contains configuration for file system storage
type FileSystemStorageConfig struct {
	// BasePath is the root directory for statement storage
	// Default: /data/statements
	BasePath string
	// BaseURL is the URL prefix for accessing statements
	// Example: https://api.briefly.example/v1/usage/statements/files
	BaseURL string
	// Logger for operations
	Logger *zap.Logger
}

// FileSystemStorage stores statement PDFs on the local file system
type FileSystemStorage struct {
	config *FileSystemStorageConfig
	logger *zap.Logger
}

// NewFileSystemStorage creates a new file system based statement storage
func NewFileSystemStorage(config *FileSystemStorageConfig) (*FileSystemStorage, error) {
	if config == nil {
		config = &FileSystemStorageConfig{}
	}

	if config.BasePath == "" {
		config.BasePath = "/data/statements"
	}
	if config.BaseURL == "" {
		config.BaseURL = "/api/v1/usage/statements/files"
	}

	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, NewRenderError(ErrCodeStorageFailed,
			fmt.Sprintf("failed to create storage directory: %s", config.BasePath), err)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileSystemStorage{
		config: config,
		logger: logger,
	}, nil
}

// Store saves a statement PDF to the file system.
// Path structure: {base}/{tenant_id}/{year}/{month}/{statement_id}.pdf,
// keyed by the billed period rather than the write time so regenerated
// statements land next to the originals.
func (s *FileSystemStorage) Store(ctx context.Context, req *StoreRequest) (*StoreResult, error) {
	select {
	case <-ctx.Done():
		return nil, NewRenderError(ErrCodeStorageFailed, "operation cancelled", ctx.Err())
	default:
	}

	if req == nil {
		return nil, NewRenderError(ErrCodeStorageFailed, "store request is nil", nil)
	}
	if req.TenantID == uuid.Nil {
		return nil, NewRenderError(ErrCodeStorageFailed, "tenant ID is required", nil)
	}
	if req.StatementID == uuid.Nil {
		return nil, NewRenderError(ErrCodeStorageFailed, "statement ID is required", nil)
	}
	if len(req.PDFData) == 0 {
		return nil, NewRenderError(ErrCodeStorageFailed, "PDF data is empty", nil)
	}

	period := req.Period
	if period.IsZero() {
		period = time.Now()
	}

	relativeDir := filepath.Join(
		req.TenantID.String(),
		fmt.Sprintf("%d", period.Year()),
		fmt.Sprintf("%02d", period.Month()),
	)
	dirPath := filepath.Join(s.config.BasePath, relativeDir)

	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, NewRenderError(ErrCodeStorageFailed, "failed to create directory", err)
	}

	fileName := req.StatementID.String() + ".pdf"
	filePath := filepath.Join(dirPath, fileName)

	if err := os.WriteFile(filePath, req.PDFData, 0644); err != nil {
		return nil, NewRenderError(ErrCodeStorageFailed, "failed to write PDF file", err)
	}

	relativePath := filepath.Join(relativeDir, fileName)
	url := s.GetURL(relativePath)

	s.logger.Info("statement PDF stored",
		zap.String("path", filePath),
		zap.Int("size", len(req.PDFData)),
		zap.String("url", url))

	return &StoreResult{
		Path: relativePath,
		URL:  url,
		Size: int64(len(req.PDFData)),
	}, nil
}

// Get retrieves a statement PDF by its relative path
func (s *FileSystemStorage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, NewRenderError(ErrCodeStorageFailed, "operation cancelled", ctx.Err())
	default:
	}

	fullPath, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewRenderError(ErrCodeStorageFailed, "statement PDF not found", err)
		}
		return nil, NewRenderError(ErrCodeStorageFailed, "failed to open PDF file", err)
	}

	return file, nil
}

// Delete removes a statement PDF
func (s *FileSystemStorage) Delete(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return NewRenderError(ErrCodeStorageFailed, "operation cancelled", ctx.Err())
	default:
	}

	fullPath, err := s.resolvePath(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted, not an error
		}
		return NewRenderError(ErrCodeStorageFailed, "failed to delete PDF file", err)
	}

	s.logger.Info("statement PDF deleted", zap.String("path", path))
	return nil
}

// resolvePath validates a storage-relative path and returns the
// absolute path under BasePath. Paths that are absolute, contain "..",
// or resolve outside BasePath are rejected.
func (s *FileSystemStorage) resolvePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsAbs(cleanPath) || containsDotDot(path) {
		s.logger.Warn("blocked potentially malicious path",
			zap.String("path", path),
			zap.String("cleanPath", cleanPath))
		return "", NewRenderError(ErrCodeStorageFailed, "invalid path", nil)
	}

	fullPath := filepath.Join(s.config.BasePath, cleanPath)

	absBase, err := filepath.Abs(s.config.BasePath)
	if err != nil {
		return "", NewRenderError(ErrCodeStorageFailed, "failed to resolve base path", err)
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", NewRenderError(ErrCodeStorageFailed, "failed to resolve file path", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) && absPath != absBase {
		s.logger.Warn("path escape attempt blocked",
			zap.String("path", path),
			zap.String("absPath", absPath))
		return "", NewRenderError(ErrCodeStorageFailed, "invalid path", nil)
	}

	return fullPath, nil
}

// CleanupOlderThan removes files older than the specified duration
func (s *FileSystemStorage) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	deletedCount := 0

	err := filepath.Walk(s.config.BasePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if info.IsDir() || filepath.Ext(path) != ".pdf" {
			return nil
		}

		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				deletedCount++
				s.logger.Debug("deleted old statement PDF", zap.String("path", path))
			}
		}

		return nil
	})

	if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return deletedCount, NewRenderError(ErrCodeStorageFailed, "cleanup walk failed", err)
	}

	s.logger.Info("statement cleanup completed",
		zap.Int("deleted", deletedCount),
		zap.Duration("age", age))

	return deletedCount, nil
}

// GetURL returns the accessible URL for a stored statement
func (s *FileSystemStorage) GetURL(path string) string {
	cleanPath := filepath.ToSlash(filepath.Clean(path))
	return fmt.Sprintf("%s/%s", s.config.BaseURL, cleanPath)
}

// containsDotDot checks if a path contains ".." components
func containsDotDot(path string) bool {
	parts := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == filepath.Separator
	})
	return slices.Contains(parts, "..")
}

// Ensure FileSystemStorage implements PDFStorage
var _ PDFStorage = (*FileSystemStorage)(nil)
