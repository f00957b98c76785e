// Package s3 stores board snapshots as objects in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gosuda/boardsync/internal/domain"
)

type Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for MinIO and similar services.
	Endpoint  string
	PathStyle bool
	// Prefix is prepended to every key, e.g. "boards/".
	Prefix string
}

// API is the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// BlobStore is a domain.BlobStore over one bucket.
type BlobStore struct {
	client API
	bucket string
	prefix string
	base   string
}

// New loads AWS credentials from the default chain and returns a store.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3.New: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return NewWithClient(client, cfg), nil
}

// NewWithClient builds a store around an existing client.
func NewWithClient(client API, cfg Config) *BlobStore {
	base := "s3://" + cfg.Bucket + "/"
	if cfg.Endpoint != "" {
		base = strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.Bucket + "/"
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, base: base}
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte) (domain.BlobObject, error) {
	full := s.prefix + key

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return domain.BlobObject{}, fmt.Errorf("s3.BlobStore.Put: %w", err)
	}

	// PutObject does not report LastModified.
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		return domain.BlobObject{}, fmt.Errorf("s3.BlobStore.Put: head: %w", err)
	}

	obj := domain.BlobObject{Key: key, URL: s.url(full), Size: int64(len(data))}
	if head.LastModified != nil {
		obj.UploadedAt = *head.LastModified
	}
	return obj, nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]domain.BlobObject, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	})

	var objs []domain.BlobObject
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3.BlobStore.List: %w", err)
		}
		for _, o := range page.Contents {
			objs = append(objs, s.object(o))
		}
	}
	return objs, nil
}

func (s *BlobStore) Fetch(ctx context.Context, obj domain.BlobObject) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + obj.Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3.BlobStore.Fetch: %s: %w", obj.Key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3.BlobStore.Fetch: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3.BlobStore.Fetch: read body: %w", err)
	}
	return data, nil
}

func (s *BlobStore) object(o types.Object) domain.BlobObject {
	full := aws.ToString(o.Key)
	obj := domain.BlobObject{
		Key: strings.TrimPrefix(full, s.prefix),
		URL: s.url(full),
	}
	if o.Size != nil {
		obj.Size = *o.Size
	}
	if o.LastModified != nil {
		obj.UploadedAt = *o.LastModified
	}
	return obj
}

func (s *BlobStore) url(key string) string {
	return s.base + key
}
