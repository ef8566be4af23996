// Package s3 stores artifacts in an S3 (or S3-compatible) bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/config"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/retry"
)

// API is the subset of the S3 client the provider uses.
type API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Provider struct {
	client       API
	bucket       string
	storageClass types.StorageClass
	ro           retry.Options
}

func init() {
	provider.Register("s3", func(cfg any) (provider.Store, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("s3: invalid config type")
		}
		client, err := newClientFromConfig(context.Background(), c.S3)
		if err != nil {
			return nil, err
		}
		return New(client, c.S3.Bucket, c.S3.StorageClass, c.RetryOptions()), nil
	})
}

// newClientFromConfig resolves credentials through the default chain,
// honouring AWS_PROFILE/AWS_REGION and an optional custom endpoint.
func newClientFromConfig(ctx context.Context, c config.S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// New wraps an existing client.
func New(client API, bucket, storageClass string, ro retry.Options) *Provider {
	return &Provider{
		client:       client,
		bucket:       bucket,
		storageClass: types.StorageClass(strings.ToUpper(storageClass)),
		ro:           ro,
	}
}

func (p *Provider) Name() string { return "s3" }

// Put uploads localPath with metadata and the configured storage class.
func (p *Provider) Put(ctx context.Context, key, localPath string, meta map[string]string) error {
	key = normalizeKey(key)
	fi, err := os.Stat(localPath)
	if err != nil {
		return err
	}

	start := time.Now()
	attempt := 0
	putOnce := func(ctx context.Context) error {
		attempt++
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		in := &s3.PutObjectInput{
			Bucket:        aws.String(p.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(fi.Size()),
			Metadata:      meta,
		}
		if p.storageClass != "" {
			in.StorageClass = p.storageClass
		}
		if _, err := p.client.PutObject(ctx, in); err != nil {
			log.Debug().Err(err).Str("action", "s3_put").Str("bucket", p.bucket).Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return classify(err)
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, isRetryable, putOnce); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", p.bucket, key, err)
	}
	log.Info().
		Str("action", "s3_put").
		Str("bucket", p.bucket).
		Str("key", key).
		Str("storage_class", string(p.storageClass)).
		Int64("size_bytes", fi.Size()).
		Int("attempts", attempt).
		Dur("elapsed_ms", time.Since(start)).
		Msg("upload OK")
	return nil
}

// List pages through ListObjectsV2; S3 returns keys in UTF-8 binary order.
func (p *Provider) List(ctx context.Context, prefix string) iter.Seq2[provider.ObjectInfo, error] {
	return func(yield func(provider.ObjectInfo, error) bool) {
		pager := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(p.bucket),
			Prefix: aws.String(normalizeKey(prefix)),
		})
		for pager.HasMorePages() {
			var page *s3.ListObjectsV2Output
			err := retry.Do(ctx, p.ro, isRetryable, func(ctx context.Context) error {
				var err error
				page, err = pager.NextPage(ctx)
				return classify(err)
			})
			if err != nil {
				yield(provider.ObjectInfo{}, fmt.Errorf("list s3://%s/%s: %w", p.bucket, prefix, err))
				return
			}
			for _, obj := range page.Contents {
				info := provider.ObjectInfo{
					Key:          aws.ToString(obj.Key),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified).UTC(),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

// Delete removes key; NoSuchKey is treated as success.
func (p *Provider) Delete(ctx context.Context, key string) error {
	key = normalizeKey(key)
	err := retry.Do(ctx, p.ro, isRetryable, func(ctx context.Context) error {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		return classify(err)
	})
	if errors.Is(err, provider.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", p.bucket, key, err)
	}
	log.Debug().Str("action", "s3_delete").Str("bucket", p.bucket).Str("key", key).Msg("object deleted")
	return nil
}

// Get downloads key into localPath via a temp file.
func (p *Provider) Get(ctx context.Context, key, localPath string) error {
	key = normalizeKey(key)
	start := time.Now()
	tmp := localPath + ".part"

	getOnce := func(ctx context.Context) error {
		out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return classify(err)
		}
		defer func() { _ = out.Body.Close() }()

		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, out.Body); err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: %w", provider.ErrNetwork, err)
		}
		return f.Close()
	}
	if err := retry.Do(ctx, p.ro, isRetryable, getOnce); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("get s3://%s/%s: %w", p.bucket, key, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	log.Info().Str("action", "s3_get").Str("bucket", p.bucket).Str("key", key).
		Str("local", localPath).Dur("elapsed_ms", time.Since(start)).Msg("download OK")
	return nil
}

// classify maps SDK errors onto the provider failure kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return fmt.Errorf("%w: %w", provider.ErrBucketNotFound, err)
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %w", provider.ErrBucketNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "InvalidToken", "TokenRefreshRequired", "AllAccessDisabled":
			return fmt.Errorf("%w: %w", provider.ErrAuth, err)
		}
	}

	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", provider.ErrAuth, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
		}
	}
	return fmt.Errorf("%w: %w", provider.ErrNetwork, err)
}

// isRetryable: only transport-level failures are worth another attempt.
func isRetryable(err error) bool {
	return errors.Is(err, provider.ErrNetwork)
}

func normalizeKey(k string) string {
	return strings.TrimPrefix(k, "/")
}
