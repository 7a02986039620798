package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorageClient uploads archive objects.
type ObjectStorageClient interface {
	Connect(ctx context.Context, endpoint, accessKeyID, secretAccessKey string, useSSL bool) error
	PutObject(ctx context.Context, bucketName, objectName string, content io.Reader, size int64, contentType string) error
}

// ObjectStorage holds the minio client instance.
type ObjectStorage struct {
	Conn   *minio.Client
	Region string
}

// NewObjectStorage initialization
func NewObjectStorage() *ObjectStorage {
	return &ObjectStorage{Region: "us-east-1"}
}

// Connect establishes the object storage connection using client
func (o *ObjectStorage) Connect(ctx context.Context, endpoint, accessKeyID, secretAccessKey string, useSSL bool) error {
	var err error
	o.Conn, err = minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create minio client: %w", err)
	}

	// Check connection by listing buckets
	if _, err = o.Conn.ListBuckets(ctx); err != nil {
		return fmt.Errorf("failed to establish minio connection: %w", err)
	}
	return nil
}

// PutObject uploads content, creating the bucket on first use.
func (o *ObjectStorage) PutObject(ctx context.Context, bucketName, objectName string, content io.Reader, size int64, contentType string) error {
	if o.Conn == nil {
		return fmt.Errorf("object storage is not connected")
	}

	exists, err := o.Conn.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucketName, err)
	}
	if !exists {
		if err := o.Conn.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: o.Region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
		}
	}

	_, err = o.Conn.PutObject(ctx, bucketName, objectName, content, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", bucketName, objectName, err)
	}
	return nil
}
