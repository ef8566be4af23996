// Package pipeline carries the stage bookkeeping shared by the backup and
// restore runs: stage names, stage-tagged errors and the exit code policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/logx"
)

type Stage string

const (
	Prereq      Stage = "prereq"
	Capture     Stage = "capture"
	Verify      Stage = "verify"
	Compress    Stage = "compress"
	Upload      Stage = "upload"
	PruneLocal  Stage = "prune_local"
	PruneRemote Stage = "prune_remote"

	List         Stage = "list"
	Select       Stage = "select"
	Confirm      Stage = "confirm"
	Download     Stage = "download"
	Decompress   Stage = "decompress"
	ServiceStop  Stage = "service_stop"
	Safeguard    Stage = "safeguard"
	ReplaceData  Stage = "replace_data"
	ServiceStart Stage = "service_start"
	Health       Stage = "health"
)

var (
	ErrUsage     = errors.New("usage error")
	ErrCancelled = errors.New("cancelled by operator")
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitPrereq    = 3
	ExitCancelled = 4
)

// StageError is the terminal Failed(stage) of a run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Fail tags err with stage; nil stays nil.
func Fail(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage a run failed in.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// ExitCode maps a run outcome to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, ErrCancelled):
		return ExitCancelled
	}
	if st, ok := StageOf(err); ok && st == Prereq {
		return ExitPrereq
	}
	return ExitFailure
}

// Run executes one stage, logging its start, completion or failure with
// the stage name, and tags a failure with the stage.
func Run(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	l := logx.Stage(string(stage))
	start := time.Now()
	l.Info().Msg("stage started")
	if err := fn(ctx); err != nil {
		l.Error().Err(err).Dur("elapsed_ms", time.Since(start)).Msg("stage failed")
		return Fail(stage, err)
	}
	l.Info().Dur("elapsed_ms", time.Since(start)).Msg("stage completed")
	return nil
}
