// Package assets pushes published code-asset entities (css/js snippets
// edited in the visual editor) to object storage so the delivery layer
// can serve them. Uploads run inside the publish item's logical unit: a
// failed upload rolls the item back.
package assets

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Publisher writes asset sources to a bucket keyed by entity id.
type Publisher struct {
	client *minio.Client
	bucket string
}

// New connects to object storage and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Publisher{client: client, bucket: cfg.Bucket}, nil
}

func objectName(entityID, mime string) string {
	switch mime {
	case "text/css":
		return entityID + ".css"
	case "text/javascript", "application/javascript":
		return entityID + ".js"
	default:
		return entityID
	}
}

// Publish uploads the asset source. Nil receiver is a no-op so the
// service works without object storage configured.
func (p *Publisher) Publish(ctx context.Context, entityID, mime, source string) error {
	if p == nil {
		return nil
	}
	reader := strings.NewReader(source)
	_, err := p.client.PutObject(ctx, p.bucket, objectName(entityID, mime), reader, int64(len(source)), minio.PutObjectOptions{
		ContentType: mime,
	})
	if err != nil {
		return fmt.Errorf("upload asset %s: %w", entityID, err)
	}
	return nil
}

// Remove deletes the asset's objects after a canonical delete.
func (p *Publisher) Remove(ctx context.Context, entityID string) error {
	if p == nil {
		return nil
	}
	for _, name := range []string{entityID, entityID + ".css", entityID + ".js"} {
		if err := p.client.RemoveObject(ctx, p.bucket, name, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove asset object %s: %w", name, err)
		}
	}
	return nil
}
