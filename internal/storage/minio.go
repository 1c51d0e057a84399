package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mediascrub/mediascrub/internal/job"
)

// MinioUploader stores artifacts in an S3-compatible bucket and serves them
// through presigned GET URLs that expire with the retention window.
type MinioUploader struct {
	client *minio.Client
	bucket string
}

// NewMinioUploader connects to an S3-compatible endpoint. The bucket must
// already exist; bucket lifecycle is an operator concern.
func NewMinioUploader(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioUploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &MinioUploader{client: client, bucket: bucket}, nil
}

// Put uploads data under key and returns a presigned download URL valid for
// job.RetentionWindow. Objects are never deleted here; the URL simply stops
// working once the window ends.
func (u *MinioUploader) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}

	url, err := u.client.PresignedGetObject(ctx, u.bucket, key, job.RetentionWindow, nil)
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return url.String(), nil
}
