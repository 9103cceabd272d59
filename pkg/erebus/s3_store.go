package erebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config selects the bucket snapshots are archived to. Endpoint is set
// for S3-compatible stores such as MinIO. Empty keys use the default AWS
// credential chain.
type S3Config struct {
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region     string `mapstructure:"region" yaml:"region"`
	Bucket     string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey  string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey  string `mapstructure:"secret_key" yaml:"-"`
	LocalCache string `mapstructure:"local_cache" yaml:"local_cache"`
}

type S3Store struct {
	client     *s3.Client
	bucket     string
	localCache string
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

func NewS3Store(ctx context.Context, c S3Config) (*S3Store, error) {
	if c.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})

	if c.LocalCache != "" {
		if err := os.MkdirAll(c.LocalCache, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create local cache dir: %w", err)
		}
	}

	return &S3Store{
		client:     client,
		bucket:     c.Bucket,
		localCache: c.LocalCache,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Get downloads key into the local cache, or a temp file when no cache is
// configured, and returns it open for reading.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.localCache == "" {
		return s.download(ctx, key, "")
	}

	localPath := filepath.Join(s.localCache, filepath.FromSlash(key))
	if _, err := os.Stat(localPath); err == nil {
		return os.Open(localPath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent dir: %w", err)
	}
	return s.download(ctx, key, localPath)
}

func (s *S3Store) download(ctx context.Context, key, localPath string) (io.ReadCloser, error) {
	dir := os.TempDir()
	if localPath != "" {
		dir = filepath.Dir(localPath)
	}
	tmpFile, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	_, err = s.downloader.Download(ctx, tmpFile, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}

	if localPath == "" {
		// The deferred Remove unlinks the name; the open handle stays readable.
		return os.Open(tmpFile.Name())
	}
	if err := os.Rename(tmpFile.Name(), localPath); err != nil {
		return nil, fmt.Errorf("failed to move download into cache: %w", err)
	}
	return os.Open(localPath)
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	if s.localCache != "" {
		_ = os.Remove(filepath.Join(s.localCache, filepath.FromSlash(key)))
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
