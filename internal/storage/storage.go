package storage

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/tubalainen/rds-guard/internal/config"
)

// Archiver uploads a finished recording to off-box storage before the
// retention sweep deletes the local copy — spec §6's optional audio
// archival. Implemented by *Client (S3-backed) and noopArchiver (disabled).
type Archiver interface {
	Archive(localPath, key string) error
}

// Client archives recordings to a single S3-compatible bucket — the
// teacher's three-bucket prod/ingest/stream Client narrowed to the one
// bucket this domain needs.
type Client struct {
	backend StorageProvider
	bucket  string
}

// New builds an S3-backed Client. Credentials come from the default AWS
// chain (env vars, shared config file, instance role) — rds-guard never
// carries its own static access keys, only the bucket/region/endpoint.
func New(cfg *config.Config) (*Client, error) {
	s3Config := &aws.Config{
		Region:           aws.String(cfg.S3Region),
		S3ForcePathStyle: aws.Bool(cfg.S3Endpoint != ""), // path-style needed for MinIO/B2-style endpoints
	}
	if cfg.S3Endpoint != "" {
		s3Config.Endpoint = aws.String(cfg.S3Endpoint)
	}
	sess, err := session.NewSession(s3Config)
	if err != nil {
		return nil, fmt.Errorf("storage: new aws session: %w", err)
	}
	return &Client{backend: NewS3Provider(sess), bucket: cfg.S3Bucket}, nil
}

// Archive uploads the file at localPath to key in the archive bucket.
func (c *Client) Archive(localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", localPath, err)
	}
	defer f.Close()

	return c.backend.Put(c.bucket, key, f, "audio/ogg", "")
}

// noopArchiver is used when S3_BUCKET is unset — the retention sweep just
// deletes local files without archiving.
type noopArchiver struct{}

func (noopArchiver) Archive(string, string) error { return nil }

// NewFromConfig returns a Client when S3_BUCKET is set, otherwise a no-op
// archiver — keeps the retention sweep's call site unconditional.
func NewFromConfig(cfg *config.Config) (Archiver, error) {
	if cfg.S3Bucket == "" {
		return noopArchiver{}, nil
	}
	return New(cfg)
}
