package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sbma44/treelemetry/errors"
)

// cacheControl keeps CDN and browser caches short-lived so the
// published document stays close to live.
const cacheControl = "public, max-age=30"

// Uploader publishes a JSON document to object storage
type Uploader interface {
	UploadJSON(ctx context.Context, key string, body []byte) error
}

// S3Config holds S3 upload settings. Static credentials are optional;
// when empty the default AWS credential chain is used.
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Uploader uploads gzip-compressed JSON documents to S3 with the
// headers a browser needs to decompress them transparently.
type S3Uploader struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3Uploader creates an S3 uploader
func NewS3Uploader(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "export", "NewS3Uploader", "s3 bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "export", "NewS3Uploader", "load aws config")
	}

	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		logger: logger.With("component", "export"),
	}, nil
}

// UploadJSON gzips the body and puts it to the configured bucket with
// Content-Encoding set so clients decompress automatically.
func (u *S3Uploader) UploadJSON(ctx context.Context, key string, body []byte) error {
	var compressed bytes.Buffer
	writer := gzip.NewWriter(&compressed)
	if _, err := writer.Write(body); err != nil {
		return errors.WrapFatal(err, "export", "UploadJSON", "compress document")
	}
	if err := writer.Close(); err != nil {
		return errors.WrapFatal(err, "export", "UploadJSON", "finish compression")
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
		CacheControl:    aws.String(cacheControl),
	})
	if err != nil {
		return errors.WrapTransient(err, "export", "UploadJSON", "put s3://"+u.bucket+"/"+key)
	}

	u.logger.Debug("document uploaded",
		"bucket", u.bucket,
		"key", key,
		"original_bytes", len(body),
		"compressed_bytes", compressed.Len(),
	)
	return nil
}
