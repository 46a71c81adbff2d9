package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of *s3.Client the store uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Store struct {
	client     S3Client
	bucket     string
	ns         namespace
	maxGetSize int64
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Store{client: cfg.S3Client, bucket: bucket, ns: newNamespace(cfg.Prefix), maxGetSize: maxGet}, nil
}

// Create uses a conditional put, so two instances archiving the same root cannot both win.
func (s *s3Store) Create(ctx context.Context, key string, payload []byte, meta map[string]string) (bool, error) {
	key, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.ns.full(key)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType(key)),
		Metadata:    copyMeta(meta),
		IfNoneMatch: aws.String("*"),
	})
	switch {
	case err == nil:
		return true, nil
	case apiErrorIs(err, "PreconditionFailed", "412"):
		return false, nil
	default:
		return false, fmt.Errorf("blobstore/s3: create %q: %w", key, err)
	}
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.ns.full(key)),
	})
	if err != nil {
		if apiErrorIs(err, "NoSuchKey", "NotFound", "404") {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return Object{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, key, s.maxGetSize)
	}
	return Object{
		Key:          key,
		Data:         data,
		Metadata:     copyMeta(out.Metadata),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	full := s.ns.full(prefix)
	if prefix == "" && s.ns != "" {
		full += "/"
	}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	var out []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("blobstore/s3: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, s.ns.strip(aws.ToString(obj.Key)))
		}
	}
	return out, nil
}

func apiErrorIs(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
