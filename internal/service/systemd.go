package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/rs/zerolog/log"
)

// Conn is the subset of the systemd D-Bus connection used here.
type Conn interface {
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	Close()
}

// ConnFactory opens a connection per operation.
type ConnFactory func(ctx context.Context) (Conn, error)

// NewSystemBusConn connects to the system manager.
func NewSystemBusConn(ctx context.Context) (Conn, error) {
	return dbus.NewWithContext(ctx)
}

// Systemd controls units through systemd over D-Bus.
type Systemd struct {
	newConn  ConnFactory
	interval time.Duration
}

// NewSystemd returns a controller polling unit state every interval.
func NewSystemd(newConn ConnFactory, interval time.Duration) *Systemd {
	if newConn == nil {
		newConn = NewSystemBusConn
	}
	return &Systemd{newConn: newConn, interval: interval}
}

func unitName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// mapActiveState folds systemd's ActiveState into State.
func mapActiveState(s string) State {
	switch s {
	case "active", "reloading":
		return Active
	case "inactive", "failed":
		return Stopped
	case "activating":
		return Starting
	case "deactivating":
		return Stopping
	default:
		return Unknown
	}
}

// State queries the unit once.
func (s *Systemd) State(ctx context.Context, name string) (State, error) {
	conn, err := s.newConn(ctx)
	if err != nil {
		return Unknown, fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	unit := unitName(name)
	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return Unknown, fmt.Errorf("query %s: %w", unit, err)
	}
	for _, u := range units {
		if u.Name != unit {
			continue
		}
		if u.LoadState == "not-found" {
			return Unknown, fmt.Errorf("%w: %s", ErrUnitNotFound, unit)
		}
		return mapActiveState(u.ActiveState), nil
	}
	return Unknown, fmt.Errorf("%w: %s", ErrUnitNotFound, unit)
}

// IsActive is a single probe; any query failure counts as not active.
func (s *Systemd) IsActive(ctx context.Context, name string) bool {
	st, err := s.State(ctx, name)
	return err == nil && st == Active
}

// Stop requests a stop job and waits until the unit is inactive.
func (s *Systemd) Stop(ctx context.Context, name string, maxWait time.Duration) error {
	st, err := s.State(ctx, name)
	if err != nil {
		return err
	}
	if st == Stopped {
		log.Info().Str("action", "service_stop").Str("unit", unitName(name)).Msg("already stopped")
		return nil
	}
	if err := s.submit(ctx, name, "stop"); err != nil {
		return err
	}
	return waitFor(ctx, s, name, Stopped, s.interval, maxWait, ErrStopTimeout)
}

// Start requests a start job and waits until the unit is active.
func (s *Systemd) Start(ctx context.Context, name string, maxWait time.Duration) error {
	if err := s.submit(ctx, name, "start"); err != nil {
		return err
	}
	return waitFor(ctx, s, name, Active, s.interval, maxWait, ErrStartTimeout)
}

func (s *Systemd) submit(ctx context.Context, name, op string) error {
	conn, err := s.newConn(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	unit := unitName(name)
	// Job completion is observed by polling, no result channel.
	switch op {
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", nil)
	default:
		_, err = conn.StartUnitContext(ctx, unit, "replace", nil)
	}
	if err != nil {
		return fmt.Errorf("dbus %s request for %s failed: %w", op, unit, err)
	}
	log.Info().Str("action", "service_"+op).Str("unit", unit).Msg("job submitted")
	return nil
}
