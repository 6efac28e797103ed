package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/formgate/internal/pathutil"
	"github.com/keithlinneman/formgate/internal/xerrors"
)

// S3API is the subset of *s3.Client used by S3Sink.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type S3SinkOptions struct {
	Client S3API
	Bucket string
	// Prefix is prepended to <yyyy>/<mm>/<dd>/<id>.json
	Prefix string
}

// S3Sink stores each submission as a JSON object, one object per submission.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Sink(opts S3SinkOptions) (*S3Sink, error) {
	if opts.Client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("s3 bucket is required")
	}
	prefix, err := pathutil.CleanKeyPrefix(opts.Prefix)
	if err != nil {
		return nil, err
	}
	return &S3Sink{
		client: opts.Client,
		bucket: opts.Bucket,
		prefix: prefix,
	}, nil
}

func (s *S3Sink) Name() string { return "s3" }

// Key returns the object key for sub, partitioned by the UTC day it arrived.
func (s *S3Sink) Key(sub Submission) string {
	day := sub.ReceivedAt.UTC().Format("2006/01/02")
	return path.Join(s.prefix, day, sub.ID+".json")
}

func (s *S3Sink) Deliver(ctx context.Context, sub Submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return xerrors.Wrap(err, "marshal submission")
	}
	key := s.Key(sub)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentLength:        aws.Int64(int64(len(body))),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"form": sub.Form,
		},
	})
	if err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, key)
	}
	return nil
}

// Check reports whether the bucket is reachable with the configured
// credentials. Used as a readiness probe.
func (s *S3Sink) Check(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return xerrors.Wrapf(err, "head bucket %s", s.bucket)
	}
	return nil
}
