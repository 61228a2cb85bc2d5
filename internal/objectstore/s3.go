// Package objectstore reads site assets (prompt templates) from S3.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("object not found")

// S3Config holds bucket access settings. Empty keys use the default AWS credential chain.
type S3Config struct {
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix is prepended to every key.
	Prefix string
}

// getObjectAPI is the part of *s3.Client the reader uses.
type getObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Reader fetches whole objects from one bucket.
type S3Reader struct {
	client getObjectAPI
	bucket string
	prefix string
}

// NewS3Reader loads AWS config and creates the client.
func NewS3Reader(ctx context.Context, cfg S3Config) (*S3Reader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newS3Reader(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

func newS3Reader(client getObjectAPI, bucket, prefix string) *S3Reader {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Reader{client: client, bucket: bucket, prefix: prefix}
}

// ReadObject returns the object body for key (relative to the prefix).
func (r *S3Reader) ReadObject(ctx context.Context, key string) ([]byte, error) {
	ctxGet, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	fullKey := r.prefix + strings.TrimPrefix(key, "/")
	resp, err := r.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, r.bucket, fullKey)
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
