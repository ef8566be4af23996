// Package filesystem stores artifacts in a directory tree, typically an NFS
// or bind mount on hosts without object storage access.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/config"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
)

// metaDir holds one JSON sidecar per object, outside the listed tree.
const metaDir = ".meta"

type Provider struct {
	root string
}

func init() {
	provider.Register("filesystem", func(cfg any) (provider.Store, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("filesystem: invalid config type")
		}
		return New(c.Filesystem.Root), nil
	})
}

// New returns a store rooted at root. The root must already exist.
func New(root string) *Provider {
	return &Provider{root: filepath.Clean(root)}
}

func (p *Provider) Name() string { return "filesystem" }

func (p *Provider) objectPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.HasPrefix(strings.TrimPrefix(clean, "/"), metaDir+"/") {
		return "", fmt.Errorf("filesystem: invalid key %q", key)
	}
	return filepath.Join(p.root, filepath.FromSlash(clean)), nil
}

func (p *Provider) metaPath(key string) string {
	return filepath.Join(p.root, metaDir, filepath.FromSlash(path.Clean("/"+key))+".json")
}

func (p *Provider) checkRoot() error {
	fi, err := os.Stat(p.root)
	if err != nil {
		return classify(fmt.Errorf("root %q: %w", p.root, err), provider.ErrBucketNotFound)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: root %q is not a directory", provider.ErrBucketNotFound, p.root)
	}
	return nil
}

// Put copies localPath into the tree through a temp file and rename.
func (p *Provider) Put(_ context.Context, key, localPath string, meta map[string]string) error {
	if err := p.checkRoot(); err != nil {
		return err
	}
	dst, err := p.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return classify(err, provider.ErrAuth)
	}

	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return classify(err, provider.ErrAuth)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: copy: %w", provider.ErrNetwork, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: sync: %w", provider.ErrNetwork, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	mp := p.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(mp), 0o750); err != nil {
		_ = os.Remove(tmp)
		return classify(err, provider.ErrAuth)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.WriteFile(mp, data, 0o640); err != nil {
		_ = os.Remove(tmp)
		return classify(err, provider.ErrAuth)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	log.Debug().Str("action", "fs_put").Str("key", key).Str("path", dst).Msg("object stored")
	return nil
}

// Metadata returns the metadata stored with key.
func (p *Provider) Metadata(key string) (map[string]string, error) {
	data, err := os.ReadFile(p.metaPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// List walks the tree in lexical order.
func (p *Provider) List(ctx context.Context, prefix string) iter.Seq2[provider.ObjectInfo, error] {
	return func(yield func(provider.ObjectInfo, error) bool) {
		if err := p.checkRoot(); err != nil {
			yield(provider.ObjectInfo{}, err)
			return
		}
		stop := errors.New("stop")
		err := filepath.WalkDir(p.root, func(fp string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, err := filepath.Rel(p.root, fp)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if d.IsDir() {
				if key == metaDir {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(key, ".part") || !strings.HasPrefix(key, prefix) {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			if !yield(provider.ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime().UTC()}, nil) {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			yield(provider.ObjectInfo{}, classify(err, provider.ErrNetwork))
		}
	}
}

// Delete removes the object and its metadata; absent keys are fine.
func (p *Provider) Delete(_ context.Context, key string) error {
	dst, err := p.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classify(err, provider.ErrNetwork)
	}
	if err := os.Remove(p.metaPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("action", "fs_delete").Str("key", key).Msg("failed to remove metadata sidecar")
	}
	return nil
}

// Get copies the object to localPath via a temp file.
func (p *Provider) Get(_ context.Context, key, localPath string) error {
	src, err := p.objectPath(key)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", provider.ErrNotFound, key)
	}
	if err != nil {
		return classify(err, provider.ErrNetwork)
	}
	defer func() { _ = in.Close() }()

	tmp := localPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %w", provider.ErrNetwork, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, localPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// SetModTime backdates an object; used to seed retention scenarios.
func (p *Provider) SetModTime(key string, t time.Time) error {
	dst, err := p.objectPath(key)
	if err != nil {
		return err
	}
	return os.Chtimes(dst, t, t)
}

// classify maps permission errors to ErrAuth and everything else to fallback.
func classify(err error, fallback error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", provider.ErrAuth, err)
	}
	return fmt.Errorf("%w: %w", fallback, err)
}
