package azure

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/retry"
)

type fakeBlob struct {
	data     []byte
	meta     map[string]*string
	tier     *blob.AccessTier
	modified time.Time
}

// fakeContainer implements blobClient in memory, one page per two blobs.
type fakeContainer struct {
	blobs    map[string]*fakeBlob
	listErr  error
	upErr    error
	dropMeta bool
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{blobs: map[string]*fakeBlob{}}
}

func respErr(code bloberror.Code, status int) error {
	return &azcore.ResponseError{ErrorCode: string(code), StatusCode: status}
}

func (f *fakeContainer) UploadFile(_ context.Context, _ string, name string, file *os.File, o *azblob.UploadFileOptions) (azblob.UploadFileResponse, error) {
	if f.upErr != nil {
		return azblob.UploadFileResponse{}, f.upErr
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return azblob.UploadFileResponse{}, err
	}
	b := &fakeBlob{data: data, tier: o.AccessTier, modified: time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)}
	if !f.dropMeta {
		b.meta = o.Metadata
	}
	f.blobs[name] = b
	return azblob.UploadFileResponse{}, nil
}

func (f *fakeContainer) DownloadFile(_ context.Context, _ string, name string, file *os.File, _ *azblob.DownloadFileOptions) (int64, error) {
	b, ok := f.blobs[name]
	if !ok {
		return 0, respErr(bloberror.BlobNotFound, http.StatusNotFound)
	}
	n, err := file.Write(b.data)
	return int64(n), err
}

func (f *fakeContainer) DeleteBlob(_ context.Context, _ string, name string, _ *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error) {
	if _, ok := f.blobs[name]; !ok {
		return azblob.DeleteBlobResponse{}, respErr(bloberror.BlobNotFound, http.StatusNotFound)
	}
	delete(f.blobs, name)
	return azblob.DeleteBlobResponse{}, nil
}

func (f *fakeContainer) NewListBlobsFlatPager(_ string, o *azblob.ListBlobsFlatOptions) *runtime.Pager[azblob.ListBlobsFlatResponse] {
	prefix := ""
	if o != nil && o.Prefix != nil {
		prefix = *o.Prefix
	}
	var names []string
	for n := range f.blobs {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	const pageSize = 2
	next := 0
	return runtime.NewPager(runtime.PagingHandler[azblob.ListBlobsFlatResponse]{
		More: func(azblob.ListBlobsFlatResponse) bool { return next < len(names) },
		Fetcher: func(context.Context, *azblob.ListBlobsFlatResponse) (azblob.ListBlobsFlatResponse, error) {
			if f.listErr != nil {
				return azblob.ListBlobsFlatResponse{}, f.listErr
			}
			end := min(next+pageSize, len(names))
			var items []*container.BlobItem
			for _, n := range names[next:end] {
				b := f.blobs[n]
				items = append(items, &container.BlobItem{
					Name:     to.Ptr(n),
					Metadata: b.meta,
					Properties: &container.BlobProperties{
						ContentLength: to.Ptr(int64(len(b.data))),
						LastModified:  to.Ptr(b.modified),
					},
				})
			}
			next = end
			return azblob.ListBlobsFlatResponse{
				ListBlobsFlatSegmentResponse: container.ListBlobsFlatSegmentResponse{
					Segment: &container.BlobFlatListSegment{BlobItems: items},
				},
			}, nil
		},
	})
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "etcd-backup-20240715-120000.db.gz")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestPut_UploadsCoolWithMetadata(t *testing.T) {
	fc := newFakeContainer()
	p := New(fc, "backups", retry.Options{MaxAttempts: 1})

	src := writeFile(t, "snapshot")
	err := p.Put(context.Background(), "/etcd/cp-1/etcd-backup-20240715-120000.db.gz", src, map[string]string{
		provider.MetaHostname: "cp-1",
		provider.MetaCluster:  "prod",
	})
	require.NoError(t, err)

	b, ok := fc.blobs["etcd/cp-1/etcd-backup-20240715-120000.db.gz"]
	require.True(t, ok)
	assert.Equal(t, "snapshot", string(b.data))
	require.NotNil(t, b.tier)
	assert.Equal(t, blob.AccessTierCool, *b.tier)
	assert.Equal(t, "cp-1", *b.meta[provider.MetaHostname])
	assert.Len(t, *b.meta[provider.MetaSHA256], 64)
}

func TestPut_ValidationWithoutMetadata(t *testing.T) {
	fc := newFakeContainer()
	fc.dropMeta = true
	p := New(fc, "backups", retry.Options{MaxAttempts: 1})
	require.NoError(t, p.Put(context.Background(), "k", writeFile(t, "x"), nil))
}

func TestPut_Failures(t *testing.T) {
	fc := newFakeContainer()
	fc.listErr = respErr(bloberror.ContainerNotFound, http.StatusNotFound)
	p := New(fc, "missing", retry.Options{MaxAttempts: 1})
	err := p.Put(context.Background(), "k", writeFile(t, "x"), nil)
	require.ErrorIs(t, err, provider.ErrBucketNotFound)

	fc = newFakeContainer()
	fc.upErr = respErr(bloberror.AuthorizationPermissionMismatch, http.StatusForbidden)
	p = New(fc, "backups", retry.Options{MaxAttempts: 1})
	err = p.Put(context.Background(), "k", writeFile(t, "x"), nil)
	require.ErrorIs(t, err, provider.ErrAuth)
}

func TestList_PagesInOrder(t *testing.T) {
	fc := newFakeContainer()
	for _, k := range []string{"etcd/cp-1/c", "etcd/cp-1/a", "etcd/cp-1/b", "etcd/cp-2/a"} {
		fc.blobs[k] = &fakeBlob{data: []byte(k), modified: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)}
	}
	p := New(fc, "backups", retry.Options{MaxAttempts: 1})

	objs, err := provider.Collect(p.List(context.Background(), "etcd/cp-1/"))
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, []string{"etcd/cp-1/a", "etcd/cp-1/b", "etcd/cp-1/c"}, []string{objs[0].Key, objs[1].Key, objs[2].Key})
	assert.Equal(t, int64(len("etcd/cp-1/a")), objs[0].Size)

	// early stop
	n := 0
	for range p.List(context.Background(), "") {
		n++
		break
	}
	assert.Equal(t, 1, n)

	fc.listErr = respErr(bloberror.AuthenticationFailed, http.StatusForbidden)
	_, err = provider.Collect(p.List(context.Background(), ""))
	require.ErrorIs(t, err, provider.ErrAuth)
}

func TestGetAndDelete(t *testing.T) {
	fc := newFakeContainer()
	fc.blobs["etcd/cp-1/a"] = &fakeBlob{data: []byte("payload")}
	p := New(fc, "backups", retry.Options{MaxAttempts: 1})

	dst := filepath.Join(t.TempDir(), "a")
	require.NoError(t, p.Get(context.Background(), "etcd/cp-1/a", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	missing := filepath.Join(t.TempDir(), "m")
	require.ErrorIs(t, p.Get(context.Background(), "nope", missing), provider.ErrNotFound)
	assert.NoFileExists(t, missing+".part")

	require.NoError(t, p.Delete(context.Background(), "etcd/cp-1/a"))
	require.NoError(t, p.Delete(context.Background(), "etcd/cp-1/a"))
	assert.Empty(t, fc.blobs)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{respErr(bloberror.BlobNotFound, 404), provider.ErrNotFound},
		{respErr(bloberror.ContainerNotFound, 404), provider.ErrBucketNotFound},
		{respErr(bloberror.AuthorizationFailure, 403), provider.ErrAuth},
		{respErr("", 401), provider.ErrAuth},
		{respErr(bloberror.ServerBusy, 503), provider.ErrNetwork},
		{respErr("", 429), provider.ErrNetwork},
	}
	for _, tc := range cases {
		got := classify(tc.err)
		assert.ErrorIs(t, got, tc.want, "%v", tc.err)
	}

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
	assert.NoError(t, classify(nil))
	assert.True(t, isRetryable(classify(respErr(bloberror.ServerBusy, 503))))
	assert.False(t, isRetryable(classify(respErr(bloberror.BlobNotFound, 404))))
}
