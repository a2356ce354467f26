package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config carries the connection settings of an S3 repository. Bucket and
// prefix come from the repository URL.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3ConfigFromEnv reads CONDUIT_S3_ENDPOINT, CONDUIT_S3_ACCESS_KEY,
// CONDUIT_S3_SECRET_KEY, CONDUIT_S3_REGION and CONDUIT_S3_USE_SSL.
func S3ConfigFromEnv() S3Config {
	cfg := S3Config{
		Endpoint:  os.Getenv("CONDUIT_S3_ENDPOINT"),
		AccessKey: os.Getenv("CONDUIT_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("CONDUIT_S3_SECRET_KEY"),
		Region:    os.Getenv("CONDUIT_S3_REGION"),
		UseSSL:    true,
	}
	if v, err := strconv.ParseBool(os.Getenv("CONDUIT_S3_USE_SSL")); err == nil {
		cfg.UseSSL = v
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "s3.amazonaws.com"
	}
	return cfg
}

type s3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Repository serves the repository layout from s3://bucket/prefix. The
// endpoint query parameter overrides cfg.Endpoint.
func NewS3Repository(u *url.URL, cfg S3Config) (Repository, error) {
	if u == nil || u.Host == "" {
		return nil, fmt.Errorf("%w: s3 repository needs a bucket", ErrInvalidArgument)
	}
	if ep := u.Query().Get("endpoint"); ep != "" {
		cfg.Endpoint = ep
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 repository %s: %w", u.Redacted(), err)
	}
	prefix := strings.Trim(u.Path, "/")
	return &layoutRepository{
		name:  "s3://" + path.Join(u.Host, prefix),
		store: &s3Store{client: client, bucket: u.Host, prefix: prefix},
	}, nil
}

func (s *s3Store) get(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey := path.Join(s.prefix, key)
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(objectKey, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.translate(objectKey, err)
	}
	return obj, nil
}

func (s *s3Store) translate(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, key)
	}
	return fmt.Errorf("s3 get %s/%s: %w", s.bucket, key, err)
}
