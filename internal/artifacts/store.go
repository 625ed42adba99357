// Package artifacts persists handler-produced blobs so handlers stay pure:
// the worker loop hands each HandlerResult artifact here and records the
// returned location as a run event.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"run-orchestrator/internal/config"
)

// Store writes artifact bytes to a backing sink and returns their location.
type Store interface {
	Save(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks the sink from config: S3 when a bucket is set, local dir otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.ArtifactS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return &s3Store{client: s3.NewFromConfig(awsCfg), bucket: cfg.ArtifactS3Bucket}, nil
	}
	baseDir := cfg.ArtifactDir
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	return &localStore{baseDir: baseDir}, nil
}

type localStore struct {
	baseDir string
}

func (l *localStore) Save(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	if key == "" {
		return "", errors.New("artifact key is required")
	}
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Store struct {
	client *s3.Client
	bucket string
}

func (s *s3Store) Save(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	if key == "" {
		return "", errors.New("artifact key is required")
	}
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

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	if key == "." || strings.HasPrefix(key, "..") {
		return ""
	}
	return key
}
