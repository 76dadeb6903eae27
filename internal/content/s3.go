package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/metrics"
)

// S3Config locates an S3 or MinIO bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint,omitempty"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Region    string `yaml:"region" json:"region,omitempty"`
	AccessKey string `yaml:"access_key" json:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key" json:"secret_key,omitempty"`
}

// S3 stores blobs as objects keyed "blobs/<hex>". Objects carry the same
// compression framing as Local.
type S3 struct {
	client *s3.Client
	bucket string
	hash   hasher
}

var _ avm.ContentStore = (*S3)(nil)

// NewS3 connects to the bucket, creating it when it is missing.
func NewS3(ctx context.Context, cfg S3Config, key [32]byte, log *slog.Logger) (*S3, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	s := &S3{client: client, bucket: cfg.Bucket, hash: hasher{key: key}}
	if err := s.ensureBucket(ctx, log); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3) ensureBucket(ctx context.Context, log *slog.Logger) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if _, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, createErr)
	}
	log.Info("created S3 bucket", "bucket", s.bucket)
	return nil
}

func objectKey(digest string) string {
	return "blobs/" + digest
}

func (s *S3) Put(ctx context.Context, data []byte, mimeType string) (cd avm.ContentData, err error) {
	start := time.Now()
	defer func() { metrics.RecordContentOperation("s3", "put", time.Since(start), err == nil) }()

	digest := s.hash.sum(data)
	body := encode(data)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(digest)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return avm.ContentData{}, fmt.Errorf("put object %s: %w", digest, err)
	}
	return avm.ContentData{URL: "s3:" + digest, Size: int64(len(data)), Hash: digest, MimeType: mimeType}, nil
}

func (s *S3) Get(ctx context.Context, url string) (data []byte, err error) {
	start := time.Now()
	defer func() { metrics.RecordContentOperation("s3", "get", time.Since(start), err == nil) }()

	digest, err := splitURL(url, "s3")
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(digest)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, avm.NewNotFoundError(url, "no content blob")
		}
		return nil, fmt.Errorf("get object %s: %w", digest, err)
	}
	defer out.Body.Close()

	blob, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", digest, err)
	}
	return decode(blob)
}

func (s *S3) Exists(ctx context.Context, url string) (bool, error) {
	digest, err := splitURL(url, "s3")
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(digest)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", digest, err)
	}
	return true, nil
}

func (s *S3) Delete(ctx context.Context, url string) error {
	digest, err := splitURL(url, "s3")
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(digest)),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", digest, err)
	}
	return nil
}
