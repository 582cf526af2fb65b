package objectstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base artifacts are reachable at; defaults to
	// http(s)://<endpoint>/<bucket>.
	PublicURL string
}

// Minio stores artifacts in an S3-compatible bucket.
type Minio struct {
	Client    *minio.Client
	Bucket    string
	PublicURL string
}

func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: minio client: %w", err)
	}

	public := strings.TrimRight(cfg.PublicURL, "/")
	if public == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		public = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	m := &Minio{Client: client, Bucket: cfg.Bucket, PublicURL: public}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Minio) ensureBucket(ctx context.Context) error {
	err := m.Client.MakeBucket(ctx, m.Bucket, minio.MakeBucketOptions{})
	if err == nil {
		log.Printf("objectstore created bucket=%s", m.Bucket)
		return nil
	}
	exists, existsErr := m.Client.BucketExists(ctx, m.Bucket)
	if existsErr == nil && exists {
		return nil
	}
	return fmt.Errorf("objectstore: make bucket %s: %w", m.Bucket, err)
}

func (m *Minio) Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := m.Client.PutObject(ctx, m.Bucket, name, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", name, err)
	}
	return m.PublicURL + "/" + name, nil
}
