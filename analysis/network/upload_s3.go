package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3UploadRetries = 3

// S3UploadParams configures a direct-to-bucket upload for callers holding
// bucket credentials, bypassing the presign endpoint. The returned storage
// key is used to start the job the same way as a presigned upload.
type S3UploadParams struct {
	FilePath        string
	FileSize        int64
	ContentType     string
	Key             string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type s3UploadService struct {
	client      *s3.Client
	bucket      string
	filePath    string
	fileSize    int64
	contentType string
}

// UploadToS3 writes the image straight into the service's bucket and
// returns the object key to reference when starting the job.
func UploadToS3(ctx context.Context, params S3UploadParams, logger log.Logger) (string, error) {
	if params.Bucket == "" {
		return "", &UploadError{Err: fmt.Errorf("bucket must not be empty")}
	}
	if params.FilePath == "" {
		return "", &UploadError{Err: fmt.Errorf("file path must not be empty")}
	}
	if params.Key == "" {
		return "", &UploadError{Err: fmt.Errorf("object key must not be empty")}
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return "", &UploadError{Err: fmt.Errorf("load aws credentials: %w", err)}
	}

	client := s3.NewFromConfig(*cfg)
	service := &s3UploadService{
		client:      client,
		bucket:      params.Bucket,
		filePath:    params.FilePath,
		fileSize:    params.FileSize,
		contentType: params.ContentType,
	}

	if err := service.uploadWithS3Client(ctx, params.Key, logger); err != nil {
		return "", &UploadError{Err: err}
	}

	return params.Key, nil
}

func (service *s3UploadService) uploadWithS3Client(ctx context.Context, key string, logger log.Logger) error {
	exists, err := service.objectExistsWithRetry(ctx, key)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}
	if exists {
		// Key collisions mean a stale object would be analyzed instead of
		// this upload.
		return fmt.Errorf("object already exists for key %s", key)
	}

	logger.Debugf("Uploading image to bucket %s...", service.bucket)
	if err := service.putObjectWithRetry(ctx, key); err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	return nil
}

func (service *s3UploadService) objectExistsWithRetry(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retry.Times(numS3UploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := service.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(service.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					exists = false
					return nil, true
				default:
					return fmt.Errorf("aws api error: %w", err), false
				}
			}
			return fmt.Errorf("generic aws error: %w", err), false
		}

		exists = true
		return nil, true
	})

	return exists, err
}

func (service *s3UploadService) putObjectWithRetry(ctx context.Context, key string) error {
	return retry.Times(numS3UploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(service.filePath)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		var partMB int64 = 10
		uploader := manager.NewUploader(service.client, func(u *manager.Uploader) {
			u.PartSize = partMB * 1024 * 1024
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:          file,
			Bucket:        aws.String(service.bucket),
			Key:           aws.String(key),
			ContentType:   aws.String(service.contentType),
			ContentLength: aws.Int64(service.fileSize),
		})
		if err != nil {
			return fmt.Errorf("upload image: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
