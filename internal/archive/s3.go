package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/acme/power-dialer/internal/config"
	"github.com/acme/power-dialer/internal/queue"
)

// RunReport is the final record of a run written to object storage once the
// run reaches a terminal status.
type RunReport struct {
	Run         queue.RunState   `json:"run"`
	Legs        []queue.LegState `json:"legs"`
	History     []StatusEntry    `json:"status_history,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// StatusEntry is one status transition in the report.
type StatusEntry struct {
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads run reports as JSON objects.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Archiver loads AWS credentials from the default chain and builds a
// client for the configured bucket. A custom endpoint points the client at
// S3-compatible storage such as MinIO.
func NewS3Archiver(ctx context.Context, cfg config.ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive writes the report and returns its s3:// location.
func (a *S3Archiver) Archive(ctx context.Context, report RunReport) (string, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("archive: marshal report: %w", err)
	}
	key := reportKey(a.prefix, report.Run)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// reportKey partitions reports by the day the run was created.
func reportKey(prefix string, run queue.RunState) string {
	day := run.CreatedAt.UTC().Format("2006/01/02")
	return path.Join(prefix, "runs", day, run.ID+".json")
}
