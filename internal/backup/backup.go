// Package backup runs the backup pipeline:
// prereq, capture, verify, compress, upload, prune local, prune remote.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/archive"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/artifact"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/auth"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/config"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/etcd"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/logx"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/metrics"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/pipeline"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/retention"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/util"
)

// ErrExists is returned when an artifact with the same name is already on disk.
var ErrExists = errors.New("artifact already exists")

// ToolChecker reports missing snapshot binaries.
type ToolChecker interface {
	CheckTools() error
}

// Options is the slice of configuration the backup run needs.
type Options struct {
	Hostname        string
	Cluster         string
	BackupDir       string
	Prefix          string
	TimestampFormat string
	KeyPrefix       string
	RetentionDays   int
	Compress        bool
	Codec           archive.Codec
	Endpoints       []string
	TLS             auth.Material
	MetricsTextfile string
}

// OptionsFromConfig derives run options from the loaded config.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	codec, err := archive.New(cfg.Compression)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Hostname:        cfg.Hostname,
		Cluster:         cfg.Cluster,
		BackupDir:       cfg.BackupDir,
		Prefix:          cfg.BackupPrefix,
		TimestampFormat: cfg.TimestampFormat,
		KeyPrefix:       cfg.KeyPrefix,
		RetentionDays:   cfg.RetentionDays,
		Compress:        cfg.Compress,
		Codec:           codec,
		Endpoints:       cfg.Etcd.Endpoints,
		TLS:             auth.Resolve(cfg),
		MetricsTextfile: cfg.MetricsTextfile,
	}, nil
}

// Result describes a finished run. PruneErrors are never fatal.
type Result struct {
	Artifact     artifact.Artifact
	Report       etcd.VerifyReport
	PrunedLocal  []string
	PrunedRemote []string
	PruneErrors  []error
}

// Runner wires the collaborators of one backup run.
type Runner struct {
	Engine etcd.Engine
	Tools  ToolChecker
	Store  provider.Store
	Opts   Options
	Now    func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Run executes the pipeline. It stops at the first failing stage except
// for pruning, whose failures are collected into Result.PruneErrors.
func (r *Runner) Run(ctx context.Context) (res Result, err error) {
	start := r.now()
	run := metrics.NewRun("backup", r.Opts.Hostname, start)
	defer func() {
		run.ArtifactSize(res.Artifact.SizeBytes)
		run.Finish(err == nil, r.now())
		if werr := run.WriteTextfile(r.Opts.MetricsTextfile); werr != nil {
			log.Warn().Err(werr).Str("path", r.Opts.MetricsTextfile).Msg("metrics not written")
		}
	}()

	art := artifact.New(r.Opts.Hostname, r.Opts.Prefix, r.Opts.TimestampFormat, start)
	dest := filepath.Join(r.Opts.BackupDir, art.FileName())

	if err := pipeline.Run(ctx, pipeline.Prereq, func(context.Context) error {
		return r.prereq(dest)
	}); err != nil {
		return res, err
	}

	if err := pipeline.Run(ctx, pipeline.Capture, func(ctx context.Context) error {
		md, err := r.Engine.Capture(ctx, dest, r.Opts.Endpoints, r.Opts.TLS)
		if err != nil {
			return err
		}
		art.LocalPath = md.Path
		art.SizeBytes = md.SizeBytes
		return nil
	}); err != nil {
		return res, err
	}
	res.Artifact = art

	// A snapshot that fails verification stays on disk for inspection.
	if err := pipeline.Run(ctx, pipeline.Verify, func(ctx context.Context) error {
		rep, err := r.Engine.Verify(ctx, art.LocalPath)
		if err != nil {
			return err
		}
		res.Report = rep
		art.Revision = rep.Revision
		art.Hash = rep.Hash
		return nil
	}); err != nil {
		return res, err
	}
	res.Artifact = art

	if r.Opts.Compress {
		if err := pipeline.Run(ctx, pipeline.Compress, func(context.Context) error {
			out, err := r.Opts.Codec.Compress(art.LocalPath)
			if err != nil {
				return err
			}
			fi, err := os.Stat(out)
			if err != nil {
				return err
			}
			return art.MarkCompressed(out, fi.Size())
		}); err != nil {
			return res, err
		}
		res.Artifact = art
	}

	// On upload failure the local artifact is the fallback copy; no retry here.
	if err := pipeline.Run(ctx, pipeline.Upload, func(ctx context.Context) error {
		return r.upload(ctx, &art)
	}); err != nil {
		return res, err
	}
	res.Artifact = art

	// the artifact of this run is never a prune candidate, whatever the window
	res.PrunedLocal, res.PruneErrors = r.pruneLocal(r.now(), art.LocalPath)
	run.Pruned(metrics.TierLocal, len(res.PrunedLocal))
	run.PruneFailures(metrics.TierLocal, len(res.PruneErrors))

	remote, remoteErrs := r.pruneRemote(ctx, r.now(), art.RemoteKey)
	res.PrunedRemote = remote
	res.PruneErrors = append(res.PruneErrors, remoteErrs...)
	run.Pruned(metrics.TierRemote, len(remote))
	run.PruneFailures(metrics.TierRemote, len(remoteErrs))

	ev := log.Info()
	if len(res.PruneErrors) > 0 {
		ev = log.Warn().Int("prune_errors", len(res.PruneErrors))
	}
	ev.Str("action", "backup").
		Str("local", art.LocalPath).
		Str("remote", art.RemoteKey).
		Int64("size_bytes", art.SizeBytes).
		Int64("revision", art.Revision).
		Dur("elapsed_ms", r.now().Sub(start)).
		Msg("backup OK")
	return res, nil
}

func (r *Runner) prereq(dest string) error {
	var errs []error
	if r.Tools != nil {
		if err := r.Tools.CheckTools(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.Opts.TLS.Check(); err != nil {
		errs = append(errs, err)
	}
	if err := util.DirWritable(r.Opts.BackupDir); err != nil {
		errs = append(errs, fmt.Errorf("backup dir %q not writable: %w", r.Opts.BackupDir, err))
	}
	for _, p := range []string{dest, dest + r.Opts.Codec.Ext()} {
		if _, err := os.Lstat(p); err == nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrExists, p))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) upload(ctx context.Context, art *artifact.Artifact) error {
	sum, size, err := util.SHA256File(art.LocalPath)
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}
	key := art.Key(r.Opts.KeyPrefix)
	meta := map[string]string{
		provider.MetaHostname:  art.Hostname,
		provider.MetaTimestamp: art.CreatedAt.Format(time.RFC3339),
		provider.MetaCluster:   r.Opts.Cluster,
		provider.MetaSHA256:    sum,
	}
	start := time.Now()
	if err := r.Store.Put(ctx, key, art.LocalPath, meta); err != nil {
		return err
	}
	log.Info().
		Str("action", "upload").
		Str("provider", r.Store.Name()).
		Str("remote", key).
		Int64("size_bytes", size).
		Dur("elapsed_ms", time.Since(start)).
		Msg("upload OK")
	return art.MarkUploaded(key, sum)
}

// pruneLocal deletes expired local artifacts by modification time, except
// keep. It does not check whether an expired file was ever uploaded.
func (r *Runner) pruneLocal(now time.Time, keep string) ([]string, []error) {
	l := logx.Stage(string(pipeline.PruneLocal))
	items, err := retention.ScanLocal(r.Opts.BackupDir, r.Opts.Prefix)
	if err != nil {
		l.Warn().Err(err).Msg("local prune skipped")
		return nil, []error{pipeline.Fail(pipeline.PruneLocal, err)}
	}
	var (
		deleted []string
		errs    []error
	)
	for _, p := range retention.SelectForDeletion(items, r.Opts.RetentionDays, now) {
		if p == keep {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.Warn().Err(err).Str("file", p).Msg("local prune failed")
			errs = append(errs, pipeline.Fail(pipeline.PruneLocal, err))
			continue
		}
		l.Info().Str("file", p).Msg("expired local artifact removed")
		deleted = append(deleted, p)
	}
	l.Info().Int("deleted", len(deleted)).Int("failed", len(errs)).Int("retention_days", r.Opts.RetentionDays).
		Msg("stage completed")
	return deleted, errs
}

// pruneRemote deletes expired objects under prefix/hostname/ except keep,
// continuing past individual failures.
func (r *Runner) pruneRemote(ctx context.Context, now time.Time, keep string) ([]string, []error) {
	l := logx.Stage(string(pipeline.PruneRemote))
	hostPrefix := artifact.ObjectKey(r.Opts.KeyPrefix, r.Opts.Hostname, "") + "/"

	var items []retention.Item
	for obj, err := range r.Store.List(ctx, hostPrefix) {
		if err != nil {
			l.Warn().Err(err).Str("prefix", hostPrefix).Msg("remote prune skipped")
			return nil, []error{pipeline.Fail(pipeline.PruneRemote, err)}
		}
		// only our own artifacts; anything else under the host prefix is left alone
		if !strings.HasPrefix(path.Base(obj.Key), r.Opts.Prefix+"-") || obj.Key == keep {
			continue
		}
		items = append(items, retention.Item{Key: obj.Key, LastModified: obj.LastModified})
	}

	var (
		deleted []string
		errs    []error
	)
	for _, key := range retention.SelectForDeletion(items, r.Opts.RetentionDays, now) {
		if err := r.Store.Delete(ctx, key); err != nil {
			l.Warn().Err(err).Str("key", key).Msg("remote prune failed")
			errs = append(errs, pipeline.Fail(pipeline.PruneRemote, fmt.Errorf("%s: %w", key, err)))
			continue
		}
		l.Info().Str("key", key).Msg("expired remote artifact deleted")
		deleted = append(deleted, key)
	}
	l.Info().Int("scanned", len(items)).Int("deleted", len(deleted)).Int("failed", len(errs)).
		Msg("stage completed")
	return deleted, errs
}
