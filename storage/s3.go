package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lithammer/shortuuid/v4"
)

const keyRoot = "mediaforge"

// S3Store stores artifacts in an S3 bucket and hands out public object
// URLs as locators. Fetch goes over plain HTTP against the locator, so
// it also works for artifacts served through a CDN in front of the
// bucket.
type S3Store struct {
	client       *s3.Client
	bucket       string
	publicBase   string
	httpClient   *http.Client
	fetchTimeout time.Duration
	maxFetchSize int64
}

type S3Options struct {
	Bucket       string
	Region       string
	Endpoint     string // custom S3-compatible endpoint, empty for AWS
	PublicBase   string // base URL for locators, derived when empty
	FetchTimeout time.Duration
	MaxFetchSize int64
}

func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	publicBase := strings.TrimSuffix(opts.PublicBase, "/")
	if publicBase == "" {
		if opts.Endpoint != "" {
			publicBase = strings.TrimSuffix(opts.Endpoint, "/") + "/" + opts.Bucket
		} else {
			publicBase = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region)
		}
	}

	return &S3Store{
		client:       client,
		bucket:       opts.Bucket,
		publicBase:   publicBase,
		httpClient:   &http.Client{},
		fetchTimeout: opts.FetchTimeout,
		maxFetchSize: opts.MaxFetchSize,
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, data []byte, category Category, ext, contentType string) (string, error) {
	key := fmt.Sprintf("%s/%s/%s.%s", keyRoot, category, shortuuid.New(), ext)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to %s: %w", category, err)
	}

	return s.publicBase + "/" + key, nil
}

// Fetch downloads an artifact by its public locator. The read is
// bounded both in time and in size.
func (s *S3Store) Fetch(ctx context.Context, locator string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file, status: %s", resp.Status)
	}

	// Use a LimitedReader to enforce max input size
	limitedReader := &io.LimitedReader{R: resp.Body, N: s.maxFetchSize + 1}
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read downloaded file: %w", err)
	}
	if int64(len(data)) > s.maxFetchSize {
		return nil, fmt.Errorf("input file size exceeds limit of %d bytes", s.maxFetchSize)
	}
	return data, nil
}

func (s *S3Store) List(ctx context.Context, category Category) ([]Object, error) {
	prefix := fmt.Sprintf("%s/%s/", keyRoot, category)

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", category, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			objects = append(objects, Object{
				Key:     key,
				Locator: s.publicBase + "/" + key,
			})
		}
	}
	return objects, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
