package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/xerrors"
)

type minioService struct {
	client   *minio.Client
	endpoint string
	bucket   string
	secure   bool
}

// NewMinio uploads files to an S3 compatible bucket, creating it when missing.
func NewMinio(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (IService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, xerrors.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, xerrors.Errorf("creating bucket %s: %w", bucket, err)
		}
	}

	return &minioService{
		client:   client,
		endpoint: endpoint,
		bucket:   bucket,
		secure:   useSSL,
	}, nil
}

func (svc *minioService) StoreFile(ctx context.Context, fileName string) (string, error) {
	objectName := filepath.Base(fileName)

	_, err := svc.client.FPutObject(ctx, svc.bucket, objectName, fileName, minio.PutObjectOptions{
		ContentType: contentType(fileName),
	})
	if err != nil {
		return "", xerrors.Errorf("failed to upload %s: %w", fileName, err)
	}

	scheme := "http"
	if svc.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, svc.endpoint, svc.bucket, objectName), nil
}

func contentType(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
