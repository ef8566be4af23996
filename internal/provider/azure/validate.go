package azure

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/retry"
)

type blobItem struct {
	provider.ObjectInfo
	sha256 string
}

// ensureContainer checks access using a minimal list (SAS sr=c cannot create containers).
func (p *AzureProvider) ensureContainer(ctx context.Context) error {
	start := time.Now()
	ensureOnce := func(ctx context.Context) error {
		pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{
			MaxResults: to.Ptr(int32(1)),
		})
		if !pager.More() {
			return nil
		}
		_, err := pager.NextPage(ctx)
		return classify(err)
	}
	if err := retry.Do(ctx, p.ro, isRetryable, ensureOnce); err != nil {
		return err
	}
	log.Debug().Str("action", "azure_container_check").Str("container", p.container).
		Dur("elapsed_ms", time.Since(start)).Msg("container access OK")
	return nil
}

// blobs pages through the container, including metadata.
func (p *AzureProvider) blobs(ctx context.Context, prefix string) iter.Seq2[blobItem, error] {
	return func(yield func(blobItem, error) bool) {
		opts := &azblob.ListBlobsFlatOptions{Include: azblob.ListBlobsInclude{Metadata: true}}
		if prefix != "" {
			opts.Prefix = to.Ptr(prefix)
		}
		pager := p.client.NewListBlobsFlatPager(p.container, opts)
		for pager.More() {
			var page azblob.ListBlobsFlatResponse
			err := retry.Do(ctx, p.ro, isRetryable, func(ctx context.Context) error {
				var err error
				page, err = pager.NextPage(ctx)
				return classify(err)
			})
			if err != nil {
				yield(blobItem{}, err)
				return
			}
			if page.Segment == nil {
				continue
			}
			for _, it := range page.Segment.BlobItems {
				if it == nil || it.Name == nil {
					continue
				}
				bi := blobItem{ObjectInfo: provider.ObjectInfo{Key: *it.Name}}
				if it.Properties != nil {
					if it.Properties.ContentLength != nil {
						bi.Size = *it.Properties.ContentLength
					}
					if it.Properties.LastModified != nil {
						bi.LastModified = it.Properties.LastModified.UTC()
					}
				}
				if v, ok := it.Metadata[provider.MetaSHA256]; ok && v != nil {
					bi.sha256 = *v
				}
				if !yield(bi, nil) {
					return
				}
			}
		}
	}
}

// lookup finds the exact blob by listing its name as a prefix.
func (p *AzureProvider) lookup(ctx context.Context, exactKey string) (blobItem, bool, error) {
	for it, err := range p.blobs(ctx, exactKey) {
		if err != nil {
			return blobItem{}, false, err
		}
		if it.Key == exactKey {
			return it, true, nil
		}
	}
	return blobItem{}, false, nil
}

// classify maps storage error codes onto the provider failure kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *azcore.ResponseError
	if !errors.As(err, &re) {
		var ne net.Error
		if errors.As(err, &ne) {
			return fmt.Errorf("%w: %w", provider.ErrNetwork, err)
		}
		return err
	}
	switch bloberror.Code(re.ErrorCode) {
	case bloberror.BlobNotFound:
		return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
	case bloberror.ContainerNotFound:
		return fmt.Errorf("%w: %w", provider.ErrBucketNotFound, err)
	case bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.AuthenticationFailed,
		bloberror.InsufficientAccountPermissions:
		return fmt.Errorf("%w: %w", provider.ErrAuth, err)
	}
	switch {
	case re.StatusCode == http.StatusUnauthorized || re.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", provider.ErrAuth, err)
	case re.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
	case re.StatusCode == http.StatusTooManyRequests, re.StatusCode == http.StatusRequestTimeout,
		re.StatusCode >= 500, bloberror.Code(re.ErrorCode) == bloberror.ServerBusy:
		return fmt.Errorf("%w: %w", provider.ErrNetwork, err)
	}
	return err
}

// isRetryable: timeouts, 5xx, 429, 408 and ServerBusy.
func isRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, provider.ErrNetwork)
}
