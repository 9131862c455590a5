package record

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMinioUploader_Validation(t *testing.T) {
	_, err := NewMinioUploader(MinioOptions{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	u, err := NewMinioUploader(MinioOptions{Endpoint: "localhost:9000", Bucket: "b", Prefix: "runs/r1"})
	require.NoError(t, err)
	assert.Equal(t, "runs/r1/x_preprocessed.arrow", u.Key("/tmp/out/x_preprocessed.arrow"))
}

// TestMinioUploader_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioUploader_Integration(t *testing.T) {
	u, err := NewMinioUploader(MinioOptions{
		Endpoint:  "localhost:9000",
		Bucket:    "test-scanprep",
		Prefix:    "it",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := u.client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, u.EnsureBucket(ctx))

	w := &Writer{OutputDir: t.TempDir(), Stride: 2}
	path, err := w.Write(sampleBatch())
	require.NoError(t, err)

	key, err := u.Upload(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "it/"+filepath.Base(path), key)

	info, err := u.client.StatObject(ctx, "test-scanprep", key, minio.StatObjectOptions{})
	require.NoError(t, err)
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), info.Size)

	require.NoError(t, u.client.RemoveObject(ctx, "test-scanprep", key, minio.RemoveObjectOptions{}))
}
