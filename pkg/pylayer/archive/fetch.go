package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/xerrors"
)

const defaultS3PartSize = 5 * 1024 * 1024

// HTTPFetcher downloads archives over HTTP(S)
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, u string, dst io.WriterAt) (int64, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, xerrors.Errorf("unexpected status %s", resp.Status)
	}
	return io.Copy(io.NewOffsetWriter(dst, 0), resp.Body)
}

// S3Fetcher downloads archives from s3://bucket/key locations
type S3Fetcher struct {
	Client manager.DownloadAPIClient
}

// NewS3Fetcher creates a fetcher using the default AWS credential chain
func NewS3Fetcher(ctx context.Context, region string) (*S3Fetcher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Errorf("cannot load AWS config: %w", err)
	}
	if region != "" {
		awsCfg.Region = region
	}
	return &S3Fetcher{Client: s3.NewFromConfig(awsCfg)}, nil
}

// ParseS3URL splits s3://bucket/key into bucket and key
func ParseS3URL(u string) (bucket, key string, err error) {
	pu, err := url.Parse(u)
	if err != nil {
		return "", "", err
	}
	if pu.Scheme != "s3" || pu.Host == "" {
		return "", "", xerrors.Errorf("%s is not an s3:// URL", u)
	}
	key = strings.TrimPrefix(pu.Path, "/")
	if key == "" {
		return "", "", xerrors.Errorf("%s has no object key", u)
	}
	return pu.Host, key, nil
}

// Fetch implements Fetcher
func (f *S3Fetcher) Fetch(ctx context.Context, u string, dst io.WriterAt) (int64, error) {
	bucket, key, err := ParseS3URL(u)
	if err != nil {
		return 0, err
	}

	downloader := manager.NewDownloader(f.Client, func(d *manager.Downloader) {
		d.PartSize = defaultS3PartSize
	})
	n, err := downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return 0, fmt.Errorf("object not found: %w", err)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return 0, fmt.Errorf("S3 API error %s: %w", apiErr.ErrorCode(), err)
		}
		return 0, fmt.Errorf("failed to download object: %w", err)
	}
	return n, nil
}
