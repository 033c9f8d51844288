// Package artifacts archives downloaded CI artifact bundles and extracted
// report files to object storage, so a run's raw evidence can be inspected
// or replayed after the in-memory request is gone.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror stores raw artifact data in a MinIO bucket, keyed by request id.
// All writes are best-effort from the pipeline's point of view: callers log
// failures and continue.
type Mirror struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMirror connects to MinIO and ensures the target bucket exists.
func NewMirror(endpoint, accessKey, secretKey, bucket string, useSSL bool, logger *slog.Logger) (*Mirror, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket '%s': %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket '%s': %w", bucket, err)
		}
		logger.Info("Created artifact bucket", slog.String("bucket", bucket))
	}

	return &Mirror{
		client: client,
		bucket: bucket,
		logger: logger.With(slog.String("component", "artifact_mirror")),
	}, nil
}

// ArchiveBundle stores a downloaded artifact zip under the request id.
// Returns the object name written.
func (m *Mirror) ArchiveBundle(ctx context.Context, requestID, artifactName string, data []byte) (string, error) {
	objectName := path.Join("runs", requestID, "bundles", artifactName+".zip")
	return m.put(ctx, objectName, data, "application/zip")
}

// ArchiveReport stores one extracted report file under the request id.
func (m *Mirror) ArchiveReport(ctx context.Context, requestID, fileName string, data []byte) (string, error) {
	objectName := path.Join("runs", requestID, "reports", path.Base(fileName))
	contentType := "application/xml"
	if path.Ext(fileName) == ".json" {
		contentType = "application/json"
	}
	return m.put(ctx, objectName, data, contentType)
}

func (m *Mirror) put(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to store object '%s': %w", objectName, err)
	}
	m.logger.Debug("Archived artifact object",
		slog.String("object", objectName),
		slog.Int("size_bytes", len(data)))
	return objectName, nil
}
