package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"sharedrop/internal/files"
)

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// MinioStore signs URLs and probes objects through minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to the endpoint in cfg and requires the bucket to exist.
func NewMinio(ctx context.Context, cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, err
	}

	s := &MinioStore{client: client, bucket: cfg.Bucket}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SignPut presigns a PUT that only succeeds with the given Content-Type.
func (s *MinioStore) SignPut(ctx context.Context, locator, contentType string, ttl time.Duration) (string, error) {
	hdr := http.Header{}
	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}
	u, err := s.client.PresignHeader(ctx, http.MethodPut, s.bucket, locator, ttl, url.Values{}, hdr)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", locator, err)
	}
	return u.String(), nil
}

func (s *MinioStore) SignGet(ctx context.Context, locator string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, locator, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", locator, err)
	}
	return u.String(), nil
}

func (s *MinioStore) HeadObject(ctx context.Context, locator string) (files.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, locator, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return files.ObjectInfo{}, fmt.Errorf("%s: %w", locator, files.ErrObjectMissing)
		}
		return files.ObjectInfo{}, fmt.Errorf("stat %s: %w", locator, err)
	}
	return files.ObjectInfo{Size: info.Size, ETag: info.ETag}, nil
}

// Ping checks that the bucket exists.
func (s *MinioStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("minio bucket does not exist: %s", s.bucket)
	}
	return nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchBucket" {
		return false
	}
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
