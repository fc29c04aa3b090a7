package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mossfell/centsible/internal/store"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds archiver configuration.
type Config struct {
	S3            S3Config
	RetentionDays int
}

// Result reports one archival pass.
type Result struct {
	Archived int    `json:"archived"`
	Key      string `json:"key,omitempty"`
}

// Archiver exports aged notification log rows to S3-compatible storage as
// NDJSON and prunes them locally. With no S3 credentials configured it
// prunes without exporting, so the local log stays bounded either way.
type Archiver struct {
	cfg    Config
	logs   *store.NotificationLogStore
	client s3Client
	logger *slog.Logger
}

// NewArchiver creates an archiver. The S3 client is nil when the bucket or
// credentials are missing.
func NewArchiver(cfg Config, logs *store.NotificationLogStore, logger *slog.Logger) *Archiver {
	a := &Archiver{cfg: cfg, logs: logs, logger: logger}
	if cfg.S3.Bucket != "" && cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" {
		a.client = newS3Client(cfg.S3)
	}
	return a
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Run performs one archival pass: rows older than the retention cutoff are
// exported, uploaded, and deleted. The upload happens before the delete so a
// failed upload never loses rows.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	retention := a.cfg.RetentionDays
	if retention <= 0 {
		retention = 90
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retention)

	entries, err := a.logs.ListOlderThan(cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("list aged log entries: %w", err)
	}
	if len(entries) == 0 {
		return Result{}, nil
	}

	var key string
	if a.client != nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return Result{}, fmt.Errorf("encode log entry: %w", err)
			}
		}

		key = fmt.Sprintf("notification-log/%s.ndjson", time.Now().UTC().Format("2006-01-02T150405Z"))
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.cfg.S3.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(buf.Bytes()),
			ContentLength: aws.Int64(int64(buf.Len())),
			ContentType:   aws.String("application/x-ndjson"),
		})
		if err != nil {
			return Result{}, fmt.Errorf("upload archive: %w", err)
		}
	}

	deleted, err := a.logs.DeleteOlderThan(cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("prune log entries: %w", err)
	}

	a.logger.Info("notification log archived",
		"entries", len(entries),
		"deleted", deleted,
		"key", key,
	)
	return Result{Archived: len(entries), Key: key}, nil
}
