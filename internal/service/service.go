// Package service stops and starts the etcd unit with bounded waits.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/retry"
)

var (
	ErrStopTimeout  = errors.New("service did not stop in time")
	ErrStartTimeout = errors.New("service did not start in time")
	ErrUnitNotFound = errors.New("service unit not found")
)

// State is the coarse lifecycle state of a unit.
type State int

const (
	Unknown State = iota
	Stopped
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Controller drives a system service. Stop and Start return once the unit
// reached the target state or maxWait elapsed, whichever comes first.
type Controller interface {
	Stop(ctx context.Context, name string, maxWait time.Duration) error
	Start(ctx context.Context, name string, maxWait time.Duration) error
	IsActive(ctx context.Context, name string) bool
	State(ctx context.Context, name string) (State, error)
}

// waitFor polls the unit state until it equals want.
func waitFor(ctx context.Context, c Controller, name string, want State, interval, maxWait time.Duration, timeoutErr error) error {
	start := time.Now()
	last := Unknown
	err := retry.Poll(ctx, interval, maxWait, func(ctx context.Context) (bool, error) {
		st, err := c.State(ctx, name)
		if err != nil {
			return false, err
		}
		last = st
		return st == want, nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		return fmt.Errorf("%w: %s is %s: %w", timeoutErr, name, last, err)
	}
	if err != nil {
		return err
	}
	log.Debug().Str("action", "service_wait").Str("unit", name).Str("state", want.String()).
		Dur("elapsed_ms", time.Since(start)).Msg("unit reached state")
	return nil
}
