package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// S3Engine stores each key as one object under a bucket prefix.
type S3Engine struct {
	client *s3.Client
	bucket string
	prefix string
	logger *logrus.Logger
}

// S3Options contains configuration options for S3Engine
type S3Options struct {
	Bucket    string
	Prefix    string
	Endpoint  string // empty for AWS
	Region    string
	AccessKey string
	SecretKey string
	Logger    *logrus.Logger
}

// NewS3Engine creates an S3 backed engine. No request is made until the
// first Get or Set.
func NewS3Engine(ctx context.Context, opts S3Options) (*S3Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	cfg := aws.Config{
		Region: opts.Region,
	}
	if opts.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
	} else {
		cfg.Credentials = aws.AnonymousCredentials{}
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true // Use path-style URLs for compatibility
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	opts.Logger.WithFields(logrus.Fields{
		"endpoint": opts.Endpoint,
		"bucket":   opts.Bucket,
		"prefix":   opts.Prefix,
	}).Debug("S3 KV engine created")

	return &S3Engine{
		client: client,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		logger: opts.Logger,
	}, nil
}

func (e *S3Engine) objectKey(key string) string {
	return e.prefix + key
}

func (e *S3Engine) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	result, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

func (e *S3Engine) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(e.objectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (e *S3Engine) Type() string { return TypeS3 }

func (e *S3Engine) Close() error { return nil }

var _ Engine = (*S3Engine)(nil)
