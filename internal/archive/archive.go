// Package archive copies closed ledger runs to durable storage as JSON
// documents, one object per run.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"sla-engine/internal/civil"
	"sla-engine/internal/config"
	"sla-engine/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes each run to runs/<job>/<civil date>/<run id>.json.
type Archiver struct {
	up uploader
}

// New picks an S3 or local-directory archiver from cfg. It returns nil when
// archiving is disabled.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	switch {
	case cfg.Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.Bucket}}, nil
	case cfg.Dir != "":
		return NewLocal(cfg.Dir), nil
	default:
		return nil, nil
	}
}

// NewLocal archives into baseDir.
func NewLocal(baseDir string) *Archiver {
	return &Archiver{up: &localUploader{baseDir: baseDir}}
}

// Key returns the object key a run is archived under.
func Key(run models.JobRun) string {
	return path.Join("runs", run.JobName, civil.FormatDate(run.StartedAt), run.ID+".json")
}

// Archive implements ledger.Archiver.
func (a *Archiver) Archive(ctx context.Context, run models.JobRun) error {
	body, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if _, err := a.up.Upload(ctx, Key(run), body, "application/json"); err != nil {
		return fmt.Errorf("archive run %s: %w", run.ID, err)
	}
	return nil
}

func newS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
