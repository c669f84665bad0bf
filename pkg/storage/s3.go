package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/zeebo/blake3"

	"github.com/opst/kite/pkg/config"
)

type s3store struct {
	client    *s3.Client
	bucket    string
	publicURL *url.URL
}

var _ Store = (*s3store)(nil)

// NewS3 builds a Store over an S3-compatible bucket.
//
// Credentials come from creds when given, or the SDK's default chain
// otherwise. Uploaded objects are keyed by the blake3 digest of their
// content, so repeated uploads of the same bytes are no-ops.
func NewS3(
	ctx context.Context,
	conf *config.StorageConfig,
	creds *config.StorageCredentials,
) (Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if conf.Region() != "" {
		opts = append(opts, awsconfig.WithRegion(conf.Region()))
	}
	if creds != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID(), creds.SecretAccessKey(), "",
			),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	var s3Opts []func(*s3.Options)
	if conf.Endpoint() != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(conf.Endpoint())
			o.UsePathStyle = true
		})
	}

	public, err := url.Parse(conf.PublicURL())
	if err != nil {
		return nil, fmt.Errorf("bad storage public url %q: %w", conf.PublicURL(), err)
	}

	return &s3store{
		client:    s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:    conf.Bucket(),
		publicURL: public,
	}, nil
}

// Upload spools content to a temporary file to digest it, then puts it
// under <digest-prefix>/<name>. Multi-GB tarballs never live in memory.
func (s *s3store) Upload(ctx context.Context, name string, content io.Reader) (string, error) {
	spool, err := os.CreateTemp("", "kite-upload-*")
	if err != nil {
		return "", err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hasher := blake3.New()
	size, err := io.Copy(io.MultiWriter(spool, hasher), content)
	if err != nil {
		return "", err
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	key := path.Join(digest[:2], digest[2:16], name)

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(size),
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	public := *s.publicURL
	public.Path = path.Join(public.Path, key)
	return public.String(), nil
}
