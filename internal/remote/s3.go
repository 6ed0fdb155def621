// Package remote implements an optional push target for snapshot archives,
// adapted from the teacher's block.Storage S3 adapter: a thin client
// wrapping PutObject/GetObject under a bucket+prefix, used here only for
// whole-archive upload/download rather than general block storage.
package remote

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"vecengine/internal/common"
)

// putGetRetryAttempts bounds the retries s3 put/get apply on top of the
// SDK's own transport-level retrying, for transient failures (throttling,
// connection reset) that surface as an error from the call itself.
const putGetRetryAttempts = 3

// S3Store pushes and pulls snapshot archives to/from an S3-compatible
// bucket. It implements internal/snapshot.RemoteStore.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store loads AWS configuration for region (falling back to
// us-east-1) and returns a store scoped to bucket, with every key
// namespaced under prefix.
func NewS3Store(ctx context.Context, bucket, region, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, common.NewError(common.ErrInvalidInput, "remote: bucket is required")
	}
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrUnavailable, "remote: load AWS config", err)
	}
	return &S3Store{client: s3.NewFromConfig(awsCfg), bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

// Put uploads r's full contents to key. The S3 SDK requires a seekable or
// length-known body for multi-part decisions, so small snapshot archives
// are buffered into memory first; this mirrors the teacher's s3Writer,
// which buffers until Close rather than streaming.
func (s *S3Store) Put(ctx context.Context, k string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return common.ErrIoError("remote: read archive for upload", err)
	}
	err = common.Retry(putGetRetryAttempts, 200*time.Millisecond, func() error {
		_, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(k)),
			Body:   bytes.NewReader(data),
		})
		return putErr
	})
	if err != nil {
		return common.NewErrorWithCause(common.ErrUnavailable, "remote: put object", err)
	}
	return nil
}

// Get downloads the object at key.
func (s *S3Store) Get(ctx context.Context, k string) (io.ReadCloser, error) {
	var out *s3.GetObjectOutput
	err := common.Retry(putGetRetryAttempts, 200*time.Millisecond, func() error {
		var getErr error
		out, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(k)),
		})
		return getErr
	})
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrNotFound, "remote: get object", err)
	}
	return out.Body, nil
}
