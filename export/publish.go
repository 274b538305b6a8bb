package export

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/accessvision/tilenet/config"
	"github.com/accessvision/tilenet/errors"
)

// Publisher uploads exported artifacts to S3-compatible object storage.
type Publisher struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewPublisher connects to the object store described by the publish
// configuration block.
func NewPublisher(cfg *config.PublishConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "failed to create object storage client").
			WithField("endpoint", cfg.Endpoint)
	}
	return &Publisher{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// PublishArtifacts uploads every artifact under the configured prefix,
// creating the bucket when it does not exist. A failed upload aborts the
// batch; artifacts already uploaded stay in place.
func (p *Publisher) PublishArtifacts(ctx context.Context, artifacts []Artifact) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "failed to check artifact bucket").
			WithField("bucket", p.bucket)
	}
	if !exists {
		if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
			return errors.Wrap(err, errors.KindStorage, "failed to create artifact bucket").
				WithField("bucket", p.bucket)
		}
		p.logger.Info("created artifact bucket", "bucket", p.bucket)
	}

	for _, a := range artifacts {
		object := path.Join(p.prefix, filepath.Base(a.Path))
		info, err := p.client.FPutObject(ctx, p.bucket, object, a.Path, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return errors.Wrap(err, errors.KindStorage,
				fmt.Sprintf("failed to upload %s artifact", a.Format)).
				WithArtifact(a.Path).
				WithField("bucket", p.bucket).
				WithField("object", object)
		}
		p.logger.Info("artifact published",
			"format", a.Format, "bucket", p.bucket, "object", object, "bytes", info.Size)
	}
	return nil
}
