package sandboxcache

import (
	"context"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"

	"github.com/armadaproject/lcg/internal/lcg/configuration"
)

// s3API is the subset of the S3 client the cache uses.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Cache caches files in an S3 or S3 compatible bucket.
func NewS3Cache(ctx context.Context, config configuration.S3CacheConfiguration, memoSize int) (*Cache, error) {
	if config.Bucket == "" {
		return nil, errors.New("s3 sandbox cache requires a bucket")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "error loading aws configuration")
	}
	if awsCfg.Region == "" && config.Endpoint == "" {
		awsCfg.Region = "us-east-1"
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = config.UsePathStyle
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})
	return newS3Cache(client, config.Bucket, config.Prefix, memoSize)
}

func newS3Cache(client s3API, bucket, prefix string, memoSize int) (*Cache, error) {
	return newCache(&s3Store{client: client, bucket: bucket, prefix: prefix}, memoSize)
}

func (s *s3Store) objectKey(key string) string {
	return path.Join(s.prefix, key)
}

func (s *s3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, errors.WithStack(err)
}

func (s *s3Store) put(ctx context.Context, key string, localPath string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          f,
		ContentLength: aws.Int64(size),
	})
	return errors.WithStack(err)
}

func (s *s3Store) ref(key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}
