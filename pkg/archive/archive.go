// Package archive ships superseded SSTable segments to S3 immediately
// before compaction deletes them, giving the engine a durability
// backstop beyond local disk without keeping every historical segment
// around forever.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dowkv/wcstore/pkg/logging"
)

// Config configures an Archiver.
type Config struct {
	Bucket string
	Prefix string
	Region string

	// AccessKeyID/SecretAccessKey are optional: when empty the SDK's
	// default credential chain (environment, shared config, instance
	// role) is used instead.
	AccessKeyID     string
	SecretAccessKey string

	// Timeout bounds each individual upload.
	Timeout time.Duration
}

// putObjectAPI is the slice of *s3.Client Archiver depends on, narrowed
// so tests can inject a fake without touching the network.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads segment files to S3 under Config.Prefix.
type Archiver struct {
	client  putObjectAPI
	bucket  string
	prefix  string
	timeout time.Duration
	log     logging.Logger
}

// NewWithClient builds an Archiver over an already-constructed S3
// client, bypassing AWS config/credential resolution. Used by tests and
// by callers that already manage their own client lifecycle.
func NewWithClient(client putObjectAPI, bucket, prefix string, timeout time.Duration) *Archiver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix, timeout: timeout, log: logging.NewNopLogger()}
}

// SetLogger wires a logger into the archiver for upload success/failure
// reporting. Optional: an Archiver with no logger set simply stays
// silent.
func (a *Archiver) SetLogger(log logging.Logger) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	a.log = log
}

// New builds an Archiver from cfg, resolving AWS credentials and region
// through the standard SDK config loader.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Archiver{
		client:  s3.NewFromConfig(awsCfg),
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: timeout,
		log:     logging.NewNopLogger(),
	}, nil
}

// Upload ships the file at path to s3://bucket/prefix/basename(path).
func (a *Archiver) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	key := filepath.Join(a.prefix, filepath.Base(path))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		a.log.Error("segment upload failed", logging.Segment(path), logging.Error(err))
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	a.log.Debug("segment archived", logging.Segment(path), logging.String("bucket", a.bucket))
	return nil
}

// CompactorHook adapts Upload into the func(path string) error shape
// sstable.Compactor.Archive expects, binding a background context since
// the compaction loop has none of its own to thread through.
func (a *Archiver) CompactorHook() func(path string) error {
	return func(path string) error {
		return a.Upload(context.Background(), path)
	}
}
