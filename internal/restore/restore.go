// Package restore lists remote artifacts and replaces the local etcd data
// directory with one of them, behind an explicit operator confirmation.
package restore

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
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/config"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/etcd"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/health"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/logx"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/metrics"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/pipeline"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/service"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/util"
)

// safeguardLayout timestamps the pre-restore copy of the data directory.
const safeguardLayout = "20060102-150405"

// Request is one restore attempt.
type Request struct {
	ArtifactName           string
	RemoteKey              string
	ResolvedLocalPath      string
	PreRestoreSnapshotPath string
	Confirmed              bool
}

// Confirmer asks the operator for consent before anything destructive.
type Confirmer interface {
	Confirm(ctx context.Context, req Request) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req Request) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, req Request) (bool, error) { return f(ctx, req) }

// HealthChecker is the cluster health surface.
type HealthChecker interface {
	Wait(ctx context.Context, timeout, interval time.Duration) (health.NodeReport, error)
	Pods(ctx context.Context, namespace string) (health.PodReport, error)
}

// Options is the slice of configuration the restore run needs.
type Options struct {
	Hostname        string
	KeyPrefix       string
	RestoreDir      string
	DataDir         string
	DataOwner       string
	Node            etcd.NodeIdentity
	ServiceName     string
	StopTimeout     time.Duration
	StartTimeout    time.Duration
	HealthTimeout   time.Duration
	HealthInterval  time.Duration
	HealthNamespace string
	MetricsTextfile string
}

// OptionsFromConfig derives run options from the loaded config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Hostname:   cfg.Hostname,
		KeyPrefix:  cfg.KeyPrefix,
		RestoreDir: cfg.RestoreDir,
		DataDir:    cfg.Etcd.DataDir,
		DataOwner:  cfg.Etcd.DataOwner,
		Node: etcd.NodeIdentity{
			Name:         cfg.Etcd.Name,
			PeerURL:      cfg.Etcd.PeerURL,
			ClusterToken: cfg.Etcd.ClusterToken,
		},
		ServiceName:     cfg.Service.Name,
		StopTimeout:     cfg.Service.StopTimeout,
		StartTimeout:    cfg.Service.StartTimeout,
		HealthTimeout:   cfg.Health.Timeout,
		HealthInterval:  cfg.Health.Interval,
		HealthNamespace: cfg.Health.Namespace,
		MetricsTextfile: cfg.MetricsTextfile,
	}
}

// Result describes a finished restore. A health check that did not pass in
// time is reported in HealthErr but does not fail the run.
type Result struct {
	Request   Request
	Healthy   bool
	Nodes     health.NodeReport
	HealthErr error
}

// Runner wires the collaborators of one restore run.
type Runner struct {
	Engine    etcd.Engine
	Store     provider.Store
	Service   service.Controller
	Health    HealthChecker
	Confirmer Confirmer
	Opts      Options
	Now       func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// HostPrefix is where this host's artifacts live remotely.
func (r *Runner) HostPrefix() string {
	return artifact.ObjectKey(r.Opts.KeyPrefix, r.Opts.Hostname, "") + "/"
}

// List enumerates remote artifacts under prefix, or under this host's
// prefix when empty. It has no other effect.
func (r *Runner) List(ctx context.Context, prefix string) ([]provider.ObjectInfo, error) {
	if prefix == "" {
		prefix = r.HostPrefix()
	}
	var out []provider.ObjectInfo
	err := pipeline.Run(ctx, pipeline.List, func(ctx context.Context) error {
		objs, err := provider.Collect(r.Store.List(ctx, prefix))
		out = objs
		return err
	})
	return out, err
}

// resolveKey maps a bare artifact name to prefix/hostname/name; a name
// containing a slash is taken as a full key.
func (r *Runner) resolveKey(name string) string {
	if strings.Contains(name, "/") {
		return strings.TrimPrefix(name, "/")
	}
	return artifact.ObjectKey(r.Opts.KeyPrefix, r.Opts.Hostname, name)
}

// Run restores the named artifact. Nothing on disk or in the service
// manager is touched until the Confirmer agrees; from then on the run is
// no longer cancellable and goes to completion or to the first failure.
func (r *Runner) Run(ctx context.Context, name string) (res Result, err error) {
	start := r.now()
	run := metrics.NewRun("restore", r.Opts.Hostname, start)
	defer func() {
		run.Finish(err == nil, r.now())
		if werr := run.WriteTextfile(r.Opts.MetricsTextfile); werr != nil {
			log.Warn().Err(werr).Str("path", r.Opts.MetricsTextfile).Msg("metrics not written")
		}
	}()

	req := &res.Request
	req.ArtifactName = strings.TrimSpace(name)
	if req.ArtifactName == "" {
		return res, pipeline.Fail(pipeline.Select, fmt.Errorf("%w: artifact name is required", pipeline.ErrUsage))
	}
	req.RemoteKey = r.resolveKey(req.ArtifactName)

	if err := pipeline.Run(ctx, pipeline.Confirm, func(ctx context.Context) error {
		if r.Confirmer == nil {
			return pipeline.ErrCancelled
		}
		ok, err := r.Confirmer.Confirm(ctx, *req)
		if err != nil {
			return fmt.Errorf("%w: %w", pipeline.ErrCancelled, err)
		}
		if !ok {
			return pipeline.ErrCancelled
		}
		req.Confirmed = true
		return nil
	}); err != nil {
		return res, err
	}

	// Past the gate signals no longer abort the run.
	ctx = context.WithoutCancel(ctx)

	downloaded := filepath.Join(r.Opts.RestoreDir, path.Base(req.RemoteKey))
	if err := pipeline.Run(ctx, pipeline.Download, func(ctx context.Context) error {
		if err := os.MkdirAll(r.Opts.RestoreDir, 0o700); err != nil {
			return err
		}
		if err := r.Store.Get(ctx, req.RemoteKey, downloaded); err != nil {
			return err
		}
		fi, err := os.Stat(downloaded)
		if err != nil {
			return err
		}
		run.ArtifactSize(fi.Size())
		return nil
	}); err != nil {
		return res, err
	}
	req.ResolvedLocalPath = downloaded

	if codec, ok := archive.ForPath(downloaded); ok {
		if err := pipeline.Run(ctx, pipeline.Decompress, func(context.Context) error {
			plain, err := codec.Decompress(downloaded)
			if err != nil {
				return err
			}
			req.ResolvedLocalPath = plain
			return nil
		}); err != nil {
			return res, err
		}
	}

	// Refuse a damaged archive while the service is still running.
	if err := pipeline.Run(ctx, pipeline.Verify, func(ctx context.Context) error {
		rep, err := r.Engine.Verify(ctx, req.ResolvedLocalPath)
		if err != nil {
			return err
		}
		log.Info().Str("action", "restore_verify").Int64("revision", rep.Revision).
			Int("total_keys", rep.TotalKeys).Msg("archive verified")
		return nil
	}); err != nil {
		return res, err
	}

	// The data dir must not be held open while it is copied and replaced.
	if err := pipeline.Run(ctx, pipeline.ServiceStop, func(ctx context.Context) error {
		return r.Service.Stop(ctx, r.Opts.ServiceName, r.Opts.StopTimeout)
	}); err != nil {
		return res, err
	}

	if err := pipeline.Run(ctx, pipeline.Safeguard, func(context.Context) error {
		dst, err := r.safeguard()
		req.PreRestoreSnapshotPath = dst
		return err
	}); err != nil {
		return res, err
	}

	if err := pipeline.Run(ctx, pipeline.ReplaceData, func(ctx context.Context) error {
		return r.replaceData(ctx, req.ResolvedLocalPath)
	}); err != nil {
		return res, withSafeguard(err, req.PreRestoreSnapshotPath)
	}

	if err := pipeline.Run(ctx, pipeline.ServiceStart, func(ctx context.Context) error {
		return r.Service.Start(ctx, r.Opts.ServiceName, r.Opts.StartTimeout)
	}); err != nil {
		return res, withSafeguard(err, req.PreRestoreSnapshotPath)
	}

	r.checkHealth(ctx, &res)

	log.Info().
		Str("action", "restore").
		Str("remote", req.RemoteKey).
		Str("safeguard", req.PreRestoreSnapshotPath).
		Bool("healthy", res.Healthy).
		Dur("elapsed_ms", r.now().Sub(start)).
		Msg("restore OK")
	return res, nil
}

// safeguard copies the current data dir to a timestamped sibling. A missing
// data dir is a fresh node: nothing to keep.
func (r *Runner) safeguard() (string, error) {
	l := logx.Stage(string(pipeline.Safeguard))
	fi, err := os.Stat(r.Opts.DataDir)
	if errors.Is(err, os.ErrNotExist) {
		l.Warn().Str("data_dir", r.Opts.DataDir).Msg("data dir absent, nothing to safeguard")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("data dir %q is not a directory", r.Opts.DataDir)
	}

	dst, err := SafeguardPath(r.Opts.DataDir, r.now())
	if err != nil {
		return "", err
	}
	if err := util.CopyTree(r.Opts.DataDir, dst); err != nil {
		return "", fmt.Errorf("copy %s to %s: %w", r.Opts.DataDir, dst, err)
	}
	l.Info().Str("data_dir", r.Opts.DataDir).Str("safeguard", dst).Msg("data dir copied")
	return dst, nil
}

// SafeguardPath returns <dataDir>.pre-restore-<ts>, suffixed with a counter
// when that name is already taken.
func SafeguardPath(dataDir string, now time.Time) (string, error) {
	base := filepath.Clean(dataDir) + ".pre-restore-" + now.UTC().Format(safeguardLayout)
	candidate := base
	for i := 1; i < 1000; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return "", fmt.Errorf("no free safeguard name for %s", base)
}

func (r *Runner) replaceData(ctx context.Context, snapshot string) error {
	if err := os.RemoveAll(r.Opts.DataDir); err != nil {
		return fmt.Errorf("remove %s: %w", r.Opts.DataDir, err)
	}
	if err := r.Engine.RestoreInto(ctx, snapshot, r.Opts.DataDir, r.Opts.Node); err != nil {
		return err
	}
	if r.Opts.DataOwner == "" {
		return nil
	}
	uid, gid, err := util.ParseOwner(r.Opts.DataOwner)
	if err != nil {
		return err
	}
	if err := util.ChownTree(r.Opts.DataDir, uid, gid); err != nil {
		return fmt.Errorf("chown %s to %s: %w", r.Opts.DataDir, r.Opts.DataOwner, err)
	}
	return nil
}

// checkHealth is diagnostic only: the data is already restored.
func (r *Runner) checkHealth(ctx context.Context, res *Result) {
	l := logx.Stage(string(pipeline.Health))
	if r.Health == nil {
		l.Warn().Msg("no cluster health checker configured, skipped")
		return
	}
	start := time.Now()
	rep, err := r.Health.Wait(ctx, r.Opts.HealthTimeout, r.Opts.HealthInterval)
	res.Nodes = rep
	if err != nil {
		res.HealthErr = err
		l.Warn().Err(err).Dur("elapsed_ms", time.Since(start)).
			Msg("cluster did not report healthy in time; restore itself completed")
		return
	}
	res.Healthy = true
	l.Info().Int("nodes", rep.Total).Int("ready", rep.Ready).Dur("elapsed_ms", time.Since(start)).
		Msg("cluster healthy")

	if r.Opts.HealthNamespace == "" {
		return
	}
	pods, err := r.Health.Pods(ctx, r.Opts.HealthNamespace)
	if err != nil {
		l.Warn().Err(err).Msg("pod listing failed")
		return
	}
	l.Info().Str("namespace", pods.Namespace).Int("pods", pods.Total).Int("running", pods.Running).
		Msg("pod status")
}

func withSafeguard(err error, safeguard string) error {
	if safeguard == "" {
		return err
	}
	return fmt.Errorf("%w (pre-restore copy kept at %s)", err, safeguard)
}
