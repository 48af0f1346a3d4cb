package archive

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sbma44/treelemetry/errors"
)

// S3Config holds S3 settings for archive uploads. Static credentials
// are optional; when empty the default AWS credential chain is used.
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3FileUploader uploads local files to S3
type S3FileUploader struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3FileUploader creates an S3 file uploader
func NewS3FileUploader(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3FileUploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "NewS3FileUploader", "s3 bucket is required")
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
		return nil, errors.WrapFatal(err, componentName, "NewS3FileUploader", "load aws config")
	}

	return &S3FileUploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		logger: logger.With("component", componentName),
	}, nil
}

// UploadFile streams the file at path to the configured bucket
func (u *S3FileUploader) UploadFile(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.WrapFatal(err, componentName, "UploadFile", "open "+path)
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return errors.WrapTransient(err, componentName, "UploadFile", "put s3://"+u.bucket+"/"+key)
	}

	u.logger.Info("file uploaded", "bucket", u.bucket, "key", key)
	return nil
}
