package etcd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/auth"
)

type call struct {
	name string
	args []string
	env  []string
}

// fakeRunner records calls and delegates behaviour per sub-command.
type fakeRunner struct {
	calls   []call
	missing map[string]bool
	run     func(name string, args []string) ([]byte, error)
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) Run(_ context.Context, name string, args, env []string) ([]byte, error) {
	f.calls = append(f.calls, call{name, args, env})
	if f.missing[name] {
		return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return f.run(name, args)
}

var tlsMat = auth.Material{CACert: "/pki/ca.crt", Cert: "/pki/c.crt", Key: "/pki/c.key"}

func TestCapture_WritesAndReportsSize(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "etcd-backup-20240715-123456.db")
	r := &fakeRunner{run: func(_ string, args []string) ([]byte, error) {
		return nil, os.WriteFile(args[2], []byte("snapshot-bytes"), 0o600)
	}}
	c := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: r}

	md, err := c.Capture(context.Background(), dest, []string{"https://a:2379", "https://b:2379"}, tlsMat)
	require.NoError(t, err)
	assert.Equal(t, int64(len("snapshot-bytes")), md.SizeBytes)
	assert.Equal(t, dest, md.Path)

	require.Len(t, r.calls, 1)
	got := r.calls[0]
	assert.Equal(t, "etcdctl", got.name)
	assert.Equal(t, []string{
		"snapshot", "save", dest,
		"--endpoints=https://a:2379,https://b:2379",
		"--cacert=/pki/ca.crt", "--cert=/pki/c.crt", "--key=/pki/c.key",
	}, got.args)
	assert.Contains(t, got.env, "ETCDCTL_API=3")
}

func TestCapture_Failures(t *testing.T) {
	failing := &fakeRunner{run: func(string, []string) ([]byte, error) {
		return []byte("context deadline exceeded"), errors.New("exit status 1")
	}}
	c := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: failing}
	dir := t.TempDir()

	_, err := c.Capture(context.Background(), filepath.Join(dir, "s.db"), []string{"https://a:2379"}, tlsMat)
	require.ErrorIs(t, err, ErrCapture)

	_, err = c.Capture(context.Background(), filepath.Join(dir, "missing", "s.db"), []string{"https://a:2379"}, tlsMat)
	require.ErrorIs(t, err, ErrCapture)

	_, err = c.Capture(context.Background(), filepath.Join(dir, "s.db"), nil, tlsMat)
	require.ErrorIs(t, err, ErrCapture)

	// tool ran "successfully" but left no file behind
	silent := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: &fakeRunner{run: func(string, []string) ([]byte, error) { return nil, nil }}}
	_, err = silent.Capture(context.Background(), filepath.Join(dir, "s.db"), []string{"https://a:2379"}, tlsMat)
	require.ErrorIs(t, err, ErrCapture)

	gone := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: &fakeRunner{missing: map[string]bool{"etcdctl": true}}}
	_, err = gone.Capture(context.Background(), filepath.Join(dir, "s.db"), []string{"https://a:2379"}, tlsMat)
	require.ErrorIs(t, err, ErrToolMissing)
}

func TestVerify(t *testing.T) {
	ok := &fakeRunner{run: func(_ string, args []string) ([]byte, error) {
		assert.Equal(t, []string{"snapshot", "status", "/b/s.db", "--write-out=json"}, args)
		return []byte(`{"hash":3792521862,"revision":1042,"totalKey":211,"totalSize":2129920}`), nil
	}}
	c := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: ok}
	rep, err := c.Verify(context.Background(), "/b/s.db")
	require.NoError(t, err)
	assert.Equal(t, VerifyReport{Hash: 3792521862, Revision: 1042, TotalKeys: 211, TotalSize: 2129920}, rep)

	cases := map[string]*fakeRunner{
		"tool error": {run: func(string, []string) ([]byte, error) {
			return []byte("snapshot file integrity check failed"), errors.New("exit status 1")
		}},
		"garbage output": {run: func(string, []string) ([]byte, error) { return []byte("???"), nil }},
		"empty snapshot": {run: func(string, []string) ([]byte, error) { return []byte(`{"totalSize":0}`), nil }},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			c := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: r}
			_, err := c.Verify(context.Background(), "/b/s.db")
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}

	missing := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: &fakeRunner{missing: map[string]bool{"etcdutl": true}}}
	_, err = missing.Verify(context.Background(), "/b/s.db")
	require.ErrorIs(t, err, ErrToolMissing)
}

func TestRestoreInto(t *testing.T) {
	node := NodeIdentity{Name: "cp-1", PeerURL: "https://10.0.0.1:2380", ClusterToken: "tok"}
	dataDir := filepath.Join(t.TempDir(), "etcd")

	r := &fakeRunner{run: func(_ string, args []string) ([]byte, error) {
		dir := strings.TrimPrefix(args[3], "--data-dir=")
		return nil, os.MkdirAll(filepath.Join(dir, "member", "snap"), 0o700)
	}}
	c := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: r}
	require.NoError(t, c.RestoreInto(context.Background(), "/r/s.db", dataDir, node))
	assert.DirExists(t, filepath.Join(dataDir, "member", "snap"))
	assert.Equal(t, []string{
		"snapshot", "restore", "/r/s.db",
		"--data-dir=" + dataDir,
		"--name=cp-1",
		"--initial-cluster=cp-1=https://10.0.0.1:2380",
		"--initial-cluster-token=tok",
		"--initial-advertise-peer-urls=https://10.0.0.1:2380",
	}, r.calls[0].args)

	// second restore into the now populated dir is refused before running the tool
	err := c.RestoreInto(context.Background(), "/r/s.db", dataDir, node)
	require.ErrorIs(t, err, ErrTargetNotEmpty)
	assert.Len(t, r.calls, 1)

	failing := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: &fakeRunner{run: func(string, []string) ([]byte, error) {
		return []byte("boom"), fmt.Errorf("exit status 2")
	}}}
	err = failing.RestoreInto(context.Background(), "/r/s.db", filepath.Join(t.TempDir(), "fresh"), node)
	require.ErrorIs(t, err, ErrToolFailure)
}

func TestCheckTools(t *testing.T) {
	c := &CLI{CtlPath: "etcdctl", UtlPath: "etcdutl", Runner: &fakeRunner{missing: map[string]bool{"etcdctl": true, "etcdutl": true}}}
	err := c.CheckTools()
	require.ErrorIs(t, err, ErrToolMissing)
	assert.Contains(t, err.Error(), "etcdctl")
	assert.Contains(t, err.Error(), "etcdutl")

	c.Runner = &fakeRunner{}
	require.NoError(t, c.CheckTools())
}

func TestExecRunner(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-etcdctl")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"api=$ETCDCTL_API $1\"\n[ \"$1\" = fail ] && { echo oops >&2; exit 3; }\nexit 0\n"), 0o755))

	out, err := ExecRunner{}.Run(context.Background(), script, []string{"version"}, []string{"ETCDCTL_API=3"})
	require.NoError(t, err)
	assert.Equal(t, "api=3 version\n", string(out))

	out, err = ExecRunner{}.Run(context.Background(), script, []string{"fail"}, nil)
	require.Error(t, err)
	assert.Equal(t, "oops\n", string(out))
}
