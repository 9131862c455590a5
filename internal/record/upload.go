package record

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader copies a finished record file somewhere else.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// MinioUploader puts record files into an S3-compatible bucket.
type MinioUploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// MinioOptions configures NewMinioUploader.
type MinioOptions struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// NewMinioUploader creates a client for opt.Endpoint. It does not contact the
// server.
func NewMinioUploader(opt MinioOptions) (*MinioUploader, error) {
	if opt.Bucket == "" {
		return nil, fmt.Errorf("upload bucket is required")
	}
	client, err := minio.New(opt.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opt.AccessKey, opt.SecretKey, ""),
		Secure: opt.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioUploader{client: client, bucket: opt.Bucket, prefix: opt.Prefix}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (u *MinioUploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", u.bucket, err)
	}
	return nil
}

// Key returns the object key for a local file.
func (u *MinioUploader) Key(localPath string) string {
	return path.Join(u.prefix, filepath.Base(localPath))
}

// Upload puts localPath under prefix/<file name> and returns the object key.
func (u *MinioUploader) Upload(ctx context.Context, localPath string) (string, error) {
	key := u.Key(localPath)
	_, err := u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/vnd.apache.arrow.file",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to %s/%s: %w", localPath, u.bucket, key, err)
	}
	return key, nil
}
