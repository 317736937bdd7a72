package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/visionq/visionq/pkg/partition"
	"github.com/visionq/visionq/pkg/types"
)

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore is the object-store capability consumed by the ingest and
// distributed paths. MinIO backs the real deployment; tests substitute
// an in-memory fake.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	SetBucketPolicy(ctx context.Context, bucket, policy string) error
}

// MinioStore implements ObjectStore over a MinIO endpoint.
type MinioStore struct {
	client *minio.Client
}

// MinioOptions holds connection settings for NewMinioStore.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinioStore creates the MinIO-backed object store.
func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// PutObject uploads data under bucket/key.
func (m *MinioStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return types.NewKindError(types.ErrKindStorageUnavailable, err)
	}
	return nil
}

// GetObject downloads bucket/key in full.
func (m *MinioStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, types.NewKindError(types.ErrKindStorageUnavailable, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, types.NewKindError(types.ErrKindStorageUnavailable, err)
	}
	return data, nil
}

// ListObjects streams keys under prefix.
func (m *MinioStore) ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, error) {
	out := make(chan ObjectInfo)
	objects := m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	go func() {
		defer close(out)
		for obj := range objects {
			if obj.Err != nil {
				return
			}
			select {
			case out <- ObjectInfo{Key: obj.Key, Size: obj.Size}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// PresignedGetObject returns a time-limited download URL.
func (m *MinioStore) PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", types.NewKindError(types.ErrKindStorageUnavailable, err)
	}
	return u.String(), nil
}

// RemoveObject deletes bucket/key.
func (m *MinioStore) RemoveObject(ctx context.Context, bucket, key string) error {
	return m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

// BucketExists reports whether bucket exists.
func (m *MinioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.client.BucketExists(ctx, bucket)
}

// MakeBucket creates bucket in region.
func (m *MinioStore) MakeBucket(ctx context.Context, bucket, region string) error {
	return m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// SetBucketPolicy applies a raw policy JSON to bucket.
func (m *MinioStore) SetBucketPolicy(ctx context.Context, bucket, policy string) error {
	return m.client.SetBucketPolicy(ctx, bucket, policy)
}

// EnsureBucket creates bucket if it does not already exist.
func EnsureBucket(ctx context.Context, store ObjectStore, bucket, region string) error {
	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := store.MakeBucket(ctx, bucket, region); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// ImageObjectKey builds the canonical image key
// partition-{i}/{hash8}-{epoch_ms}.{ext} for a filename assigned to a
// partition.
func ImageObjectKey(part int, filename string, now time.Time) string {
	ext := path.Ext(filename)
	if ext == "" {
		ext = ".bin"
	}
	h := uint32(partition.Hash(filename))
	return fmt.Sprintf("partition-%d/%08x-%d%s", part, h, now.UnixMilli(), ext)
}

// ResultObjectKey builds the canonical result key results/{id}.json.
func ResultObjectKey(taskID string) string {
	return fmt.Sprintf("results/%s.json", taskID)
}
