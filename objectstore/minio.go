package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config contains object storage connection configuration. Credentials
// are secret values resolved before construction, never read from the
// config file directly.
type Config struct {
	EndpointURL     string `json:"endpoint_url" mapstructure:"endpoint_url"`
	AccessKeyID     string `json:"-" mapstructure:"-"`
	SecretAccessKey string `json:"-" mapstructure:"-"`
	Region          string `json:"region" mapstructure:"region"`
	UseSSL          bool   `json:"use_ssl" mapstructure:"use_ssl"`
}

// PermissionError wraps an access-denied failure from the store.
// Fatal: aborts the whole run.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string   { return fmt.Sprintf("object storage permission: %v", e.Err) }
func (e *PermissionError) Unwrap() error   { return e.Err }
func (e *PermissionError) Permanent() bool { return true }

// MinioStore implements ObjectStore with the minio-go SDK for real
// MinIO/S3 connectivity.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore creates a client from config.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	if cfg.EndpointURL == "" {
		return nil, fmt.Errorf("endpoint_url is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, &PermissionError{Err: fmt.Errorf("credentials are required")}
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	return &MinioStore{client: client}, nil
}

// Put uploads one object with the given content type.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return classifyMinioError(err)
	}
	return nil
}

// Get downloads one object.
func (s *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(err)
	}
	defer obj.Close() //nolint:errcheck
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinioError(err)
	}
	return data, nil
}

// Close implements ObjectStore; the minio client holds no resources
// needing release.
func (s *MinioStore) Close() error { return nil }

func classifyMinioError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return &PermissionError{Err: err}
	}
	return fmt.Errorf("object storage: %w", err)
}
