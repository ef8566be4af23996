package azure

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/config"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
)

// blobClient is the subset of *azblob.Client the provider uses.
type blobClient interface {
	UploadFile(ctx context.Context, containerName, blobName string, file *os.File, o *azblob.UploadFileOptions) (azblob.UploadFileResponse, error)
	DownloadFile(ctx context.Context, containerName, blobName string, file *os.File, o *azblob.DownloadFileOptions) (int64, error)
	DeleteBlob(ctx context.Context, containerName, blobName string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
	NewListBlobsFlatPager(containerName string, o *azblob.ListBlobsFlatOptions) *runtime.Pager[azblob.ListBlobsFlatResponse]
}

// Build client from config.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClientFromConfig(c config.AzureConfig) (*azblob.Client, error) {
	endpoint := os.Getenv("AZURE_BLOB_ENDPOINT")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
	}

	// 1) SAS
	if sasRaw := strings.TrimSpace(c.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		return azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
	}

	// 2) Service Principal
	if c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
		if err != nil {
			return nil, err
		}
		return azblob.NewClient(endpoint, cred, nil)
	}

	// 3) Managed Identity / DefaultAzureCredential
	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return azblob.NewClient(endpoint, defCred, nil)
}

func init() {
	provider.Register("azure", func(cfg any) (provider.Store, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("azure: invalid config type")
		}
		client, err := newClientFromConfig(c.Azure)
		if err != nil {
			return nil, fmt.Errorf("azure: %w", err)
		}
		return New(client, c.Azure.Container, c.RetryOptions()), nil
	})
}
