// Package azure stores artifacts as block blobs in an Azure Storage container.
package azure

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/retry"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/util"
)

type AzureProvider struct {
	client    blobClient
	container string
	ro        retry.Options
}

// New wraps an existing client.
func New(client blobClient, container string, ro retry.Options) *AzureProvider {
	return &AzureProvider{client: client, container: container, ro: ro}
}

func (p *AzureProvider) Name() string { return "azure" }

// Put uploads localPath into the Cool tier and validates the listed blob
// against the local size and checksum.
func (p *AzureProvider) Put(ctx context.Context, key, localPath string, meta map[string]string) error {
	if err := p.ensureContainer(ctx); err != nil {
		return fmt.Errorf("ensure container: %w", err)
	}
	key = normalizeKey(key)

	sum, size, err := util.SHA256File(localPath)
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}
	md := map[string]*string{provider.MetaSHA256: to.Ptr(sum)}
	for k, v := range meta {
		md[k] = to.Ptr(v)
	}

	upStart := time.Now()
	upAttempt := 0
	uploadOnce := func(ctx context.Context) error {
		upAttempt++
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("file", localPath).Msg("failed to close source file after upload")
			}
		}()
		_, err = p.client.UploadFile(ctx, p.container, key, f, &azblob.UploadFileOptions{
			Metadata:   md,
			AccessTier: to.Ptr(blob.AccessTierCool),
		})
		if err != nil {
			log.Debug().Err(err).Str("action", "azure_upload").Str("container", p.container).Str("key", key).
				Int("attempt", upAttempt).Msg("attempt failed")
			return classify(err)
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, isRetryable, uploadOnce); err != nil {
		return fmt.Errorf("upload %s/%s: %w", p.container, key, err)
	}
	log.Info().Str("action", "azure_upload").Str("container", p.container).Str("key", key).
		Int("attempts", upAttempt).Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")

	valStart := time.Now()
	validateOnce := func(ctx context.Context) error {
		item, found, err := p.lookup(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("uploaded blob not found at %q", key)
		}
		if item.Size != size {
			return fmt.Errorf("size mismatch: local=%d, remote=%d", size, item.Size)
		}
		if remote := item.sha256; remote != "" && remote != sum {
			return fmt.Errorf("sha256 mismatch: local=%s, remote=%s", sum, remote)
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, isRetryable, validateOnce); err != nil {
		return fmt.Errorf("validate %s/%s: %w", p.container, key, err)
	}
	log.Info().Str("action", "azure_validate").Str("container", p.container).Str("key", key).
		Dur("elapsed_ms", time.Since(valStart)).Msg("validation OK")
	return nil
}

// List walks the container with a flat pager; blobs come back in lexical order.
func (p *AzureProvider) List(ctx context.Context, prefix string) iter.Seq2[provider.ObjectInfo, error] {
	return func(yield func(provider.ObjectInfo, error) bool) {
		for it, err := range p.blobs(ctx, normalizeKey(prefix)) {
			if err != nil {
				yield(provider.ObjectInfo{}, fmt.Errorf("list %s/%s: %w", p.container, prefix, err))
				return
			}
			if !yield(it.ObjectInfo, nil) {
				return
			}
		}
	}
}

// Delete removes key; BlobNotFound is treated as success.
func (p *AzureProvider) Delete(ctx context.Context, key string) error {
	key = normalizeKey(key)
	err := retry.Do(ctx, p.ro, isRetryable, func(ctx context.Context) error {
		_, err := p.client.DeleteBlob(ctx, p.container, key, nil)
		return classify(err)
	})
	if errors.Is(err, provider.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", p.container, key, err)
	}
	log.Debug().Str("action", "azure_delete").Str("container", p.container).Str("key", key).Msg("blob deleted")
	return nil
}

// Get downloads a blob to localPath with retries, via a temp file.
func (p *AzureProvider) Get(ctx context.Context, key, localPath string) error {
	key = normalizeKey(key)
	tmp := localPath + ".part"

	dlStart := time.Now()
	dlAttempt := 0
	downloadOnce := func(ctx context.Context) error {
		dlAttempt++
		out, err := os.Create(tmp)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := out.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("file", tmp).Msg("failed to close local file after download")
			}
		}()
		if _, err := p.client.DownloadFile(ctx, p.container, key, out, nil); err != nil {
			log.Debug().Err(err).Str("action", "azure_download").Str("container", p.container).Str("key", key).
				Int("attempt", dlAttempt).Msg("attempt failed")
			return classify(err)
		}
		return nil
	}
	if err := retry.Do(ctx, p.ro, isRetryable, downloadOnce); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("download %s/%s: %w", p.container, key, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	log.Info().Str("action", "azure_download").Str("container", p.container).Str("key", key).
		Str("local", localPath).Int("attempts", dlAttempt).Dur("elapsed_ms", time.Since(dlStart)).Msg("download OK")
	return nil
}

func normalizeKey(k string) string {
	return strings.TrimPrefix(k, "/")
}
