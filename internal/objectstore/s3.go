package objectstore

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/ragline-ai/ragline/internal/apperr"
)

// S3Config holds credentials for an S3-compatible endpoint. Endpoint is
// optional; when set it targets R2/MinIO style deployments.
type S3Config struct {
	Endpoint string
	Bucket   string
	Key      string
	Secret   string
	Region   string
}

// S3Store is the production object store over any S3-compatible API.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   zerolog.Logger
}

// NewS3Store builds an S3 client. Uploads go through the transfer manager so
// multipart writes complete atomically on CompleteMultipartUpload.
func NewS3Store(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3Store, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, "")),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "load s3 config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		logger:   logger,
	}, nil
}

// Put writes an object. Size is advisory; the uploader streams the body.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "put object", err)
	}
	s.logger.Debug().Str("key", key).Int64("size", size).Msg("object stored")
	return nil
}

// Get opens an object for reading.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, apperr.Newf(apperr.KindNotFound, "object %s not found", key)
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "get object", err)
	}
	return out.Body, nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "delete object", err)
	}
	return nil
}

// Exists reports whether the key is present without fetching the body.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.KindStorageUnavailable, "head object", err)
	}
	return true, nil
}

// Ping verifies the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "head bucket", err)
	}
	return nil
}
