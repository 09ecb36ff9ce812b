// Package storage reads ground-truth object sizes from the platform's
// object store so ledger-derived storage levels can be reconciled.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appmetering "github.com/briefly/metering/internal/application/metering"
	infraconfig "github.com/briefly/metering/internal/infrastructure/config"
)

// tenantPrefix is the key namespace the platform writes tenant files under.
// Every object belonging to a tenant lives below "tenants/<tenant_id>/".
const tenantPrefix = "tenants/"

// Ensure S3StorageScanner implements StorageScanner
var _ appmetering.StorageScanner = (*S3StorageScanner)(nil)

// S3StorageScanner sums stored object sizes using AWS S3 SDK v2.
// It is compatible with any S3-compatible storage (AWS S3, RustFS, MinIO, etc.)
type S3StorageScanner struct {
	client *s3.Client
	bucket string
	logger *zap.Logger
}

// S3StorageScannerOption is a functional option for configuring S3StorageScanner
type S3StorageScannerOption func(*S3StorageScanner)

// WithLogger sets a custom logger for S3StorageScanner
func WithLogger(logger *zap.Logger) S3StorageScannerOption {
	return func(s *S3StorageScanner) {
		s.logger = logger
	}
}

// NewS3StorageScanner creates a new S3StorageScanner from configuration.
// It supports any S3-compatible storage backend (AWS S3, RustFS, MinIO, etc.)
func NewS3StorageScanner(cfg *infraconfig.StorageConfig, opts ...S3StorageScannerOption) (*S3StorageScanner, error) {
	if cfg == nil {
		return nil, errors.New("storage configuration is required")
	}

	// Validate required configuration
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("storage access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("storage secret key is required")
	}

	// Build endpoint URL
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:9000" // RustFS default
	}

	// Ensure endpoint has protocol
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}

	// Validate endpoint URL
	_, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid storage endpoint: %w", err)
	}

	// Create AWS SDK config with custom credentials and endpoint
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"", // session token (not used for static credentials)
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	// Create S3 client with path-style addressing and custom endpoint
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	scanner := &S3StorageScanner{
		client: client,
		bucket: cfg.Bucket,
		logger: zap.NewNop(),
	}

	// Apply options
	for _, opt := range opts {
		opt(scanner)
	}

	return scanner, nil
}

// TenantBytes sums the sizes of every object under a tenant's prefix.
// An empty or missing prefix sums to zero.
func (s *S3StorageScanner) TenantBytes(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	if tenantID == uuid.Nil {
		return 0, errors.New("tenant ID is required")
	}

	prefix := tenantPrefix + tenantID.String() + "/"

	var total int64
	var objects int64
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			total += aws.ToInt64(obj.Size)
			objects++
		}
	}

	s.logger.Debug("Scanned tenant storage",
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("objects", objects),
		zap.Int64("bytes", total),
	)

	return total, nil
}

// TenantIDs lists the tenants that currently have objects in the bucket,
// derived from the first path segment below the tenant namespace.
// Prefixes that do not parse as a UUID are skipped.
func (s *S3StorageScanner) TenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(tenantPrefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tenant prefixes: %w", err)
		}
		for _, cp := range page.CommonPrefixes {
			id, ok := tenantIDFromPrefix(aws.ToString(cp.Prefix))
			if !ok {
				s.logger.Warn("Skipping non-tenant prefix in storage bucket",
					zap.String("prefix", aws.ToString(cp.Prefix)))
				continue
			}
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// GetBucket returns the bucket name
func (s *S3StorageScanner) GetBucket() string {
	return s.bucket
}

// tenantIDFromPrefix extracts the tenant UUID from a "tenants/<id>/" key prefix
func tenantIDFromPrefix(prefix string) (uuid.UUID, bool) {
	trimmed := strings.TrimPrefix(prefix, tenantPrefix)
	trimmed = strings.TrimSuffix(trimmed, "/")
	id, err := uuid.Parse(trimmed)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
