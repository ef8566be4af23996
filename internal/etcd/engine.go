// Package etcd drives the etcd snapshot tooling (etcdctl/etcdutl) behind a
// narrow interface: capture, verify and restore-into-data-dir.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/auth"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/util"
)

var (
	ErrCapture        = errors.New("snapshot capture failed")
	ErrCorrupt        = errors.New("snapshot failed verification")
	ErrToolMissing    = errors.New("snapshot tool not found")
	ErrToolFailure    = errors.New("snapshot restore failed")
	ErrTargetNotEmpty = errors.New("restore target is not empty")
)

// Engine is the snapshot capability of the store.
type Engine interface {
	Capture(ctx context.Context, dest string, endpoints []string, tls auth.Material) (Metadata, error)
	Verify(ctx context.Context, path string) (VerifyReport, error)
	RestoreInto(ctx context.Context, archive, dataDir string, node NodeIdentity) error
}

// Metadata describes a freshly captured snapshot file.
type Metadata struct {
	Path      string
	SizeBytes int64
	Endpoint  string
}

// VerifyReport mirrors `snapshot status -w json`.
type VerifyReport struct {
	Hash      uint32 `json:"hash"`
	Revision  int64  `json:"revision"`
	TotalKeys int    `json:"totalKey"`
	TotalSize int64  `json:"totalSize"`
}

// NodeIdentity bootstraps the restored data dir as a single-member cluster.
type NodeIdentity struct {
	Name         string
	PeerURL      string
	ClusterToken string
}

// InitialCluster renders the --initial-cluster value, name=peerURL.
func (n NodeIdentity) InitialCluster() string {
	return n.Name + "=" + n.PeerURL
}

// CLI runs etcdctl for capture and etcdutl for status/restore.
type CLI struct {
	CtlPath string
	UtlPath string
	Runner  Runner
}

// NewCLI returns a CLI backed by real process execution.
func NewCLI(ctlPath, utlPath string) *CLI {
	return &CLI{CtlPath: ctlPath, UtlPath: utlPath, Runner: ExecRunner{}}
}

// CheckTools reports every configured binary that cannot be found.
func (c *CLI) CheckTools() error {
	var errs []error
	for _, bin := range []string{c.CtlPath, c.UtlPath} {
		if _, err := c.Runner.LookPath(bin); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrToolMissing, bin, err))
		}
	}
	return errors.Join(errs...)
}

// Capture runs `etcdctl snapshot save` against the endpoint set.
func (c *CLI) Capture(ctx context.Context, dest string, endpoints []string, tls auth.Material) (Metadata, error) {
	var md Metadata
	if len(endpoints) == 0 {
		return md, fmt.Errorf("%w: no endpoints", ErrCapture)
	}
	if err := util.DirWritable(filepath.Dir(dest)); err != nil {
		return md, fmt.Errorf("%w: destination %q not writable: %w", ErrCapture, filepath.Dir(dest), err)
	}

	args := []string{
		"snapshot", "save", dest,
		"--endpoints=" + strings.Join(endpoints, ","),
		"--cacert=" + tls.CACert,
		"--cert=" + tls.Cert,
		"--key=" + tls.Key,
	}
	start := time.Now()
	out, err := c.Runner.Run(ctx, c.CtlPath, args, []string{"ETCDCTL_API=3"})
	if err != nil {
		log.Error().Err(err).
			Str("action", "etcd_snapshot_save").
			Str("output", trimOutput(out)).
			Dur("elapsed_ms", time.Since(start)).
			Msg("etcdctl snapshot save failed")
		if errors.Is(err, exec.ErrNotFound) {
			return md, fmt.Errorf("%w: %w", ErrToolMissing, err)
		}
		return md, fmt.Errorf("%w: %w", ErrCapture, err)
	}

	fi, err := os.Stat(dest)
	if err != nil {
		return md, fmt.Errorf("%w: snapshot file: %w", ErrCapture, err)
	}
	md = Metadata{Path: dest, SizeBytes: fi.Size(), Endpoint: endpoints[0]}
	log.Info().
		Str("action", "etcd_snapshot_save").
		Str("local", dest).
		Int64("size_bytes", md.SizeBytes).
		Dur("elapsed_ms", time.Since(start)).
		Msg("snapshot saved")
	return md, nil
}

// Verify runs `etcdutl snapshot status -w json`.
func (c *CLI) Verify(ctx context.Context, path string) (VerifyReport, error) {
	var rep VerifyReport
	if _, err := c.Runner.LookPath(c.UtlPath); err != nil {
		return rep, fmt.Errorf("%w: %s: %w", ErrToolMissing, c.UtlPath, err)
	}

	out, err := c.Runner.Run(ctx, c.UtlPath, []string{"snapshot", "status", path, "--write-out=json"}, nil)
	if err != nil {
		log.Error().Err(err).Str("action", "etcd_snapshot_status").Str("local", path).
			Str("output", trimOutput(out)).Msg("snapshot status failed")
		return rep, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	if err := json.Unmarshal(out, &rep); err != nil {
		return rep, fmt.Errorf("%w: %s: unreadable status: %w", ErrCorrupt, path, err)
	}
	if rep.TotalSize <= 0 {
		return rep, fmt.Errorf("%w: %s: empty snapshot", ErrCorrupt, path)
	}

	log.Info().
		Str("action", "etcd_snapshot_status").
		Str("local", path).
		Uint32("hash", rep.Hash).
		Int64("revision", rep.Revision).
		Int("total_keys", rep.TotalKeys).
		Msg("snapshot verified")
	return rep, nil
}

// RestoreInto materialises dataDir from archive. dataDir must be absent or
// empty; clearing it is the caller's job.
func (c *CLI) RestoreInto(ctx context.Context, archive, dataDir string, node NodeIdentity) error {
	empty, err := util.DirEmpty(dataDir)
	if err != nil {
		return fmt.Errorf("%w: inspect %q: %w", ErrToolFailure, dataDir, err)
	}
	if !empty {
		return fmt.Errorf("%w: %s", ErrTargetNotEmpty, dataDir)
	}

	args := []string{
		"snapshot", "restore", archive,
		"--data-dir=" + dataDir,
		"--name=" + node.Name,
		"--initial-cluster=" + node.InitialCluster(),
		"--initial-cluster-token=" + node.ClusterToken,
		"--initial-advertise-peer-urls=" + node.PeerURL,
	}
	start := time.Now()
	out, err := c.Runner.Run(ctx, c.UtlPath, args, nil)
	if err != nil {
		log.Error().Err(err).Str("action", "etcd_snapshot_restore").
			Str("output", trimOutput(out)).Msg("snapshot restore failed")
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrToolMissing, err)
		}
		return fmt.Errorf("%w: %w", ErrToolFailure, err)
	}
	log.Info().
		Str("action", "etcd_snapshot_restore").
		Str("data_dir", dataDir).
		Str("member", node.Name).
		Dur("elapsed_ms", time.Since(start)).
		Msg("data dir restored")
	return nil
}

func trimOutput(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 1024 {
		s = s[:1024] + "..."
	}
	return s
}
