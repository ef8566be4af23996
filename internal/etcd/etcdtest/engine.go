// Package etcdtest provides an in-process stand-in for the snapshot tooling.
package etcdtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/auth"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/etcd"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/util"
)

// Engine writes Payload on capture and copies the archive into
// <dataDir>/member/snap/db on restore.
type Engine struct {
	mu sync.Mutex

	Payload    []byte
	Report     etcd.VerifyReport
	CaptureErr error
	VerifyErr  error
	RestoreErr error

	Calls []string
}

var _ etcd.Engine = (*Engine)(nil)

func (e *Engine) record(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, fmt.Sprintf(format, args...))
}

func (e *Engine) Capture(_ context.Context, dest string, _ []string, _ auth.Material) (etcd.Metadata, error) {
	e.record("capture %s", filepath.Base(dest))
	if e.CaptureErr != nil {
		return etcd.Metadata{}, fmt.Errorf("%w: %w", etcd.ErrCapture, e.CaptureErr)
	}
	if err := os.WriteFile(dest, e.Payload, 0o600); err != nil {
		return etcd.Metadata{}, fmt.Errorf("%w: %w", etcd.ErrCapture, err)
	}
	return etcd.Metadata{Path: dest, SizeBytes: int64(len(e.Payload))}, nil
}

func (e *Engine) Verify(_ context.Context, path string) (etcd.VerifyReport, error) {
	e.record("verify %s", filepath.Base(path))
	if e.VerifyErr != nil {
		return etcd.VerifyReport{}, fmt.Errorf("%w: %w", etcd.ErrCorrupt, e.VerifyErr)
	}
	rep := e.Report
	if rep == (etcd.VerifyReport{}) {
		rep = etcd.VerifyReport{Hash: 1, Revision: 1, TotalKeys: 1, TotalSize: int64(len(e.Payload))}
	}
	return rep, nil
}

func (e *Engine) RestoreInto(_ context.Context, archive, dataDir string, node etcd.NodeIdentity) error {
	e.record("restore %s %s", filepath.Base(archive), node.Name)
	if e.RestoreErr != nil {
		return fmt.Errorf("%w: %w", etcd.ErrToolFailure, e.RestoreErr)
	}
	empty, err := util.DirEmpty(dataDir)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%w: %s", etcd.ErrTargetNotEmpty, dataDir)
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		return fmt.Errorf("%w: %w", etcd.ErrToolFailure, err)
	}
	snap := filepath.Join(dataDir, "member", "snap")
	if err := os.MkdirAll(snap, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(snap, "db"), data, 0o600)
}

// CallLog returns a copy of the recorded calls.
func (e *Engine) CallLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Calls...)
}
