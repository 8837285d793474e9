package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

// S3Config locates the bucket that holds committed blobs.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

var _ Backend = (*S3Backend)(nil)

// S3Backend keeps blobs in an S3 bucket at <prefix>/<key>.
type S3Backend struct {
	bucket   string
	prefix   string
	client   s3iface.S3API
	uploader *s3manager.Uploader
}

// NewS3Backend creates a backend from the default AWS credential chain.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	client := s3.New(sess)
	return &S3Backend{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
	}, nil
}

func (b *S3Backend) key(key string) string { return path.Join(b.prefix, key) }

// Commit uploads the staged file and removes it locally.
func (b *S3Backend) Commit(ctx context.Context, stagedPath, key string) error {
	f, err := os.Open(stagedPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading to s3://%s/%s: %w", b.bucket, b.key(key), err)
	}

	return os.Remove(stagedPath)
}

func (b *S3Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("%w: %s", scanning.ErrArtifactNotFound, key)
		}
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", b.bucket, b.key(key), err)
	}
	return out.Body, nil
}

// Remove deletes the object. S3 treats deleting a missing key as success.
func (b *S3Backend) Remove(ctx context.Context, key string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	return err
}
