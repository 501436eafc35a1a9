// Package archive is a supplemented feature (SPEC_FULL.md F.4): cold
// storage for execution records beyond the durable store's retention
// window. Grounded on pkg/storage/log_store.go's S3LogStore/LocalLogStore
// pair, repurposed from raw log bytes to JSON-serialized
// models.ExecutionRecord snapshots keyed by rule and day.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"adengine/pkg/models"
)

// Store archives execution records outside the durable store's hot path.
type Store interface {
	Archive(ctx context.Context, record *models.ExecutionRecord) (string, error)
	Retrieve(ctx context.Context, reference string) (*models.ExecutionRecord, error)
}

// S3Store is the production Store, backed by S3 or an S3-compatible
// endpoint (MinIO), following the teacher's S3LogStore shape.
type S3Store struct {
	client        *s3.Client
	bucket        string
	prefix        string
	retentionDays int
}

// Config holds S3Store configuration.
type Config struct {
	Bucket        string
	Prefix        string // e.g. "executions/"
	Region        string
	Endpoint      string // for MinIO/local S3
	AccessKey     string // static credentials, used with Endpoint; empty uses the default chain
	SecretKey     string
	RetentionDays int
}

// NewS3Store builds an S3Store, mirroring NewS3LogStore's endpoint/region
// wiring.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 30
	}

	return &S3Store{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        cfg.Prefix,
		retentionDays: retention,
	}, nil
}

// Archive serializes and uploads one execution record, keyed by rule id and
// day so a rule's archived history lists under a common prefix.
func (s *S3Store) Archive(ctx context.Context, record *models.ExecutionRecord) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("archive: marshal execution record for rule %s: %w", record.RuleID, err)
	}

	key := s.buildKey(record.RuleID, record.ExecutedAt)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload execution record for rule %s: %w", record.RuleID, err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches and deserializes a previously archived execution record.
func (s *S3Store) Retrieve(ctx context.Context, reference string) (*models.ExecutionRecord, error) {
	key := extractKey(s.bucket, reference)

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: fetch execution record %s: %w", reference, err)
	}
	defer output.Body.Close()

	var record models.ExecutionRecord
	if err := json.NewDecoder(output.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("archive: decode execution record %s: %w", reference, err)
	}
	return &record, nil
}

// RetentionDays returns the configured retention window in days: execution
// records older than this are moved out of the durable store into the
// archive. Archived objects are never expired by this package.
func (s *S3Store) RetentionDays() int { return s.retentionDays }

func (s *S3Store) buildKey(ruleID string, executedAt time.Time) string {
	day := executedAt.UTC().Format("2006/01/02")
	return fmt.Sprintf("%s%s/%s/%d.json", s.prefix, ruleID, day, executedAt.UnixNano())
}

func extractKey(bucket, reference string) string {
	prefix := fmt.Sprintf("s3://%s/", bucket)
	if len(reference) > len(prefix) && reference[:len(prefix)] == prefix {
		return reference[len(prefix):]
	}
	return reference
}
