// Package s3store stages payloads in an S3-compatible bucket (MinIO, AWS S3).
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/cuongbtq/taskrelay/internal/staging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// partSize bounds the memory used by uploads of unknown length.
const partSize = 16 << 20

// Config holds object storage settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Store maps staging references to object keys in one bucket.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects to the endpoint and creates the bucket if it does not exist yet
func New(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	s := &Store{client: client, bucket: config.Bucket, logger: logger}
	if err := s.ensureBucket(ctx, config.Region); err != nil {
		return nil, err
	}

	logger.Info("Connected to object storage",
		slog.String("endpoint", config.Endpoint),
		slog.String("bucket", config.Bucket),
	)
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classify("connect", s.bucket, err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		// Another instance may have created it in the meantime.
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return classify("connect", s.bucket, err)
	}

	s.logger.Info("Bucket created", slog.String("bucket", s.bucket))
	return nil
}

// Put uploads r. S3 only exposes an object once the upload completed.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucket, name, r, -1, minio.PutObjectOptions{
		ContentType: contentType(name),
		PartSize:    partSize,
	})
	if err != nil {
		return 0, classify("put", name, err)
	}
	return info.Size, nil
}

func (s *Store) Get(ctx context.Context, name string, w io.Writer) (int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return 0, classify("get", name, err)
	}
	defer obj.Close()

	n, err := io.Copy(w, obj)
	if err != nil {
		return 0, classify("get", name, err)
	}
	return n, nil
}

func (s *Store) Stat(ctx context.Context, name string) (staging.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		return staging.ObjectInfo{}, classify("stat", name, err)
	}
	return staging.ObjectInfo{Name: name, Size: info.Size, ModTime: info.LastModified}, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return classify("delete", name, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, dir string) ([]staging.ObjectInfo, error) {
	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		prefix += "/"
	}

	var out []staging.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classify("list", dir, obj.Err)
		}
		out = append(out, staging.ObjectInfo{Name: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
	}
	return out, nil
}

// Close is a no-op; the HTTP client has no session to end.
func (s *Store) Close() error {
	return nil
}

func contentType(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".zip") {
		return "application/zip"
	}
	return "application/octet-stream"
}

// classify maps S3 error codes and transport errors onto staging failure kinds.
func classify(op, name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return staging.NewError(op, name, staging.ErrConnection, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return staging.NewError(op, name, staging.ErrConnection, err)
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return staging.NewError(op, name, staging.ErrNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return staging.NewError(op, name, staging.ErrAuth, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return staging.NewError(op, name, staging.ErrNotFound, err)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		return staging.NewError(op, name, staging.ErrAuth, err)
	case resp.StatusCode >= http.StatusInternalServerError:
		return staging.NewError(op, name, staging.ErrConnection, err)
	default:
		return staging.NewError(op, name, staging.ErrTransfer, err)
	}
}
