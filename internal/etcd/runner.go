package etcd

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
)

// Runner executes an external tool and returns its stdout. On failure the
// returned bytes hold stderr for diagnostics.
type Runner interface {
	Run(ctx context.Context, name string, args, env []string) ([]byte, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs real processes.
type ExecRunner struct{}

func (ExecRunner) LookPath(name string) (string, error) { return exec.LookPath(name) }

func (ExecRunner) Run(ctx context.Context, name string, args, env []string) ([]byte, error) {
	log.Debug().
		Str("action", "exec").
		Str("command", shellquote.Join(append([]string{name}, args...)...)).
		Msg("running tool")

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stderr.Bytes(), err
	}
	return stdout.Bytes(), nil
}
