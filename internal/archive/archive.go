// Package archive keeps a copy of delivered try-on results in S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/provadorai/provador/internal/imageinput"
	"github.com/provadorai/provador/internal/provider"
)

const keyPrefix = "tryon"

// ErrDisabled is returned when no bucket is configured.
var ErrDisabled = errors.New("archive not configured")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config holds S3-compatible storage configuration.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Enabled reports whether enough is configured to talk to a bucket.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Archive uploads results under tryon/<store>/<key>.<ext>.
type Archive struct {
	bucket string
	client s3Client
}

// New returns an Archive, or ErrDisabled when cfg is incomplete.
func New(cfg Config) (*Archive, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}
	return &Archive{bucket: cfg.Bucket, client: newS3Client(cfg)}, nil
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// ObjectKey is where the result for (storeID, key) is kept.
func ObjectKey(storeID, key, mime string) string {
	return path.Join(keyPrefix, storeID, key+"."+imageinput.Extension(mime))
}

// Store uploads img. Uploading the same key twice overwrites the object.
func (a *Archive) Store(ctx context.Context, storeID, key string, img provider.Image) error {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(ObjectKey(storeID, key, mime)),
		Body:          bytes.NewReader(img.Data),
		ContentLength: aws.Int64(int64(len(img.Data))),
		ContentType:   aws.String(mime),
		Metadata:      map[string]string{"store-id": storeID, "idempotency-key": key},
	})
	if err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}
	return nil
}

// Open streams an archived object. The caller closes the reader.
func (a *Archive) Open(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("download from s3: %w", err)
	}
	return out.Body, nil
}

// Delete removes an archived object.
func (a *Archive) Delete(ctx context.Context, objectKey string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("delete from s3: %w", err)
	}
	return nil
}
