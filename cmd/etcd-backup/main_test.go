package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/signal"
	"strings"
	"testing"
	"time"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/backup"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/config"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/pipeline"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/restore"
)

/* ----------------------------- test harness ----------------------------- */

type exitPanic struct{ code int }

func patchExit(t *testing.T) func() {
	t.Helper()
	prev := exit
	exit = func(code int) { panic(exitPanic{code}) }
	return func() { exit = prev }
}

func mustExitCode(t *testing.T, fn func()) (code int) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected os.Exit interception, got no panic")
		}
		if ep, ok := r.(exitPanic); ok {
			code = ep.code
			return
		}
		t.Fatalf("unexpected panic: %#v", r)
	}()
	fn()
	return 0
}

func withArgs(t *testing.T, args []string) func() {
	t.Helper()
	prev := os.Args
	os.Args = append([]string{prev[0]}, args...)
	return func() { os.Args = prev }
}

func captureStdout(t *testing.T) func() string {
	t.Helper()
	old := os.Stdout
	var buf bytes.Buffer
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	return func() string {
		_ = w.Close()
		<-done
		os.Stdout = old
		return buf.String()
	}
}

func resetSeams() {
	loadSettings = func(string) error { return nil }
	loadConfig = func() (config.Config, error) {
		return config.Config{
			Provider:        "dummy",
			Hostname:        "cp-1",
			KeyPrefix:       "etcd-backups",
			BackupPrefix:    "etcd-backup",
			TimestampFormat: "20060102-150405",
		}, nil
	}
	newProvider = func(_ string, _ any) (provider.Store, error) { return dummyStore{}, nil }
	runBackup = defaultBackup
	listRemote = defaultList
	runRestore = defaultRestore
	newConfirmer = promptConfirmer
}

/* --------------------------------- tests -------------------------------- */

// 1) No subcommand -> help on stdout, exit code 2
func TestUsage_NoArgs(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{})()

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	out := restoreOut()

	if code != pipeline.ExitUsage {
		t.Fatalf("want exit %d, got %d", pipeline.ExitUsage, code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage on stdout, got: %q", out)
	}
}

// 2) Unknown flags and subcommands are usage errors
func TestUsage_BadInvocation(t *testing.T) {
	for _, args := range [][]string{
		{"backup", "--nope"},
		{"frobnicate"},
		{"backup", "extra"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			resetSeams()
			var ran bool
			runBackup = func(context.Context, config.Config, provider.Store) (backup.Result, error) {
				ran = true
				return backup.Result{}, nil
			}
			if code := execute(context.Background(), args); code != pipeline.ExitUsage {
				t.Fatalf("want exit %d, got %d", pipeline.ExitUsage, code)
			}
			if ran {
				t.Fatalf("backup must not run on a usage error")
			}
		})
	}
}

// 3) version skips the settings file entirely
func TestVersion(t *testing.T) {
	resetSeams()
	defer patchExit(t)()
	defer withArgs(t, []string{"version"})()
	loadSettings = func(string) error { return errors.New("must not be called") }

	restoreOut := captureStdout(t)
	code := mustExitCode(t, func() { main() })
	out := restoreOut()

	if code != pipeline.ExitOK {
		t.Fatalf("want exit 0, got %d", code)
	}
	if !strings.HasPrefix(out, "etcd-backup dev") {
		t.Fatalf("unexpected version output: %q", out)
	}
}

// 4) --config wins over ETCD_BACKUP_CONFIG; a bad file is a prerequisite failure
func TestSettingsFile(t *testing.T) {
	resetSeams()
	t.Setenv("ETCD_BACKUP_CONFIG", "/etc/from-env.conf")

	var got []string
	loadSettings = func(path string) error {
		got = append(got, path)
		return nil
	}
	runBackup = func(context.Context, config.Config, provider.Store) (backup.Result, error) {
		return backup.Result{}, nil
	}

	if code := execute(context.Background(), []string{"backup"}); code != pipeline.ExitOK {
		t.Fatalf("want exit 0, got %d", code)
	}
	if code := execute(context.Background(), []string{"--config", "/etc/flag.conf", "backup"}); code != pipeline.ExitOK {
		t.Fatalf("want exit 0, got %d", code)
	}
	if len(got) != 2 || got[0] != "/etc/from-env.conf" || got[1] != "/etc/flag.conf" {
		t.Fatalf("settings paths mismatch: %q", got)
	}

	loadSettings = func(string) error { return errors.New("open /etc/flag.conf: no such file") }
	if code := execute(context.Background(), []string{"backup"}); code != pipeline.ExitPrereq {
		t.Fatalf("want exit %d, got %d", pipeline.ExitPrereq, code)
	}
}

// 5) Config and provider errors stop before any stage runs
func TestBackup_SetupFailures(t *testing.T) {
	resetSeams()
	runBackup = func(context.Context, config.Config, provider.Store) (backup.Result, error) {
		t.Fatalf("backup must not run")
		return backup.Result{}, nil
	}

	loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("s3: S3_BUCKET is required") }
	if code := execute(context.Background(), []string{"backup"}); code != pipeline.ExitPrereq {
		t.Fatalf("config error: want exit %d, got %d", pipeline.ExitPrereq, code)
	}

	resetSeams()
	runBackup = func(context.Context, config.Config, provider.Store) (backup.Result, error) {
		t.Fatalf("backup must not run")
		return backup.Result{}, nil
	}
	newProvider = func(string, any) (provider.Store, error) { return nil, errors.New("provider not found: gcs") }
	if code := execute(context.Background(), []string{"backup"}); code != pipeline.ExitPrereq {
		t.Fatalf("provider error: want exit %d, got %d", pipeline.ExitPrereq, code)
	}
}

// 6) Backup stage errors map onto exit codes
func TestBackup_ExitCodes(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"ok":            {nil, pipeline.ExitOK},
		"prereq":        {pipeline.Fail(pipeline.Prereq, errors.New("etcdctl not found")), pipeline.ExitPrereq},
		"upload failed": {pipeline.Fail(pipeline.Upload, provider.ErrNetwork), pipeline.ExitFailure},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resetSeams()
			var gotCfg config.Config
			runBackup = func(_ context.Context, cfg config.Config, p provider.Store) (backup.Result, error) {
				gotCfg = cfg
				if p.Name() != "dummy" {
					t.Fatalf("unexpected store %q", p.Name())
				}
				return backup.Result{PruneErrors: []error{errors.New("prune-remote: boom")}}, tc.err
			}
			if code := execute(context.Background(), []string{"backup"}); code != tc.want {
				t.Fatalf("want exit %d, got %d", tc.want, code)
			}
			if gotCfg.Hostname != "cp-1" {
				t.Fatalf("config not passed through: %+v", gotCfg)
			}
		})
	}
}

// 7) list prints a table of the requested prefix
func TestList(t *testing.T) {
	resetSeams()
	var gotPrefix string
	listRemote = func(_ context.Context, _ config.Config, _ provider.Store, prefix string) ([]provider.ObjectInfo, error) {
		gotPrefix = prefix
		return []provider.ObjectInfo{
			{Key: "etcd-backups/cp-1/etcd-backup-20240715-123456.db.gz", Size: 3 << 20, LastModified: time.Date(2024, 7, 15, 12, 35, 0, 0, time.UTC)},
		}, nil
	}

	restoreOut := captureStdout(t)
	code := execute(context.Background(), []string{"list", "etcd-backups/cp-1/"})
	out := restoreOut()

	if code != pipeline.ExitOK {
		t.Fatalf("want exit 0, got %d", code)
	}
	if gotPrefix != "etcd-backups/cp-1/" {
		t.Fatalf("prefix mismatch: %q", gotPrefix)
	}
	for _, want := range []string{"KEY", "etcd-backup-20240715-123456.db.gz", "3.0 MiB", "2024-07-15T12:34:56Z", "2024-07-15T12:35:00Z"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %q", want, out)
		}
	}

	listRemote = func(context.Context, config.Config, provider.Store, string) ([]provider.ObjectInfo, error) {
		return nil, pipeline.Fail(pipeline.List, provider.ErrAuth)
	}
	if code := execute(context.Background(), []string{"list"}); code != pipeline.ExitFailure {
		t.Fatalf("want exit %d, got %d", pipeline.ExitFailure, code)
	}
}

// 8) list without a prefix goes through the restore runner's host prefix
func TestDefaultList_HostPrefix(t *testing.T) {
	store := &recordingStore{}
	cfg := config.Config{Hostname: "cp-1", KeyPrefix: "etcd-backups", BackupPrefix: "etcd-backup"}
	if _, err := defaultList(context.Background(), cfg, store, ""); err != nil {
		t.Fatalf("list: %v", err)
	}
	if store.listed != "etcd-backups/cp-1/" {
		t.Fatalf("want host prefix, got %q", store.listed)
	}
}

// 9) restore: missing name is a usage error and never reaches setup
func TestRestore_MissingName(t *testing.T) {
	resetSeams()
	loadConfig = func() (config.Config, error) {
		t.Fatalf("config must not load")
		return config.Config{}, nil
	}
	if code := execute(context.Background(), []string{"restore"}); code != pipeline.ExitUsage {
		t.Fatalf("want exit %d, got %d", pipeline.ExitUsage, code)
	}
}

// 10) restore: name and --yes reach the runner; outcomes map onto exit codes
func TestRestore_ExitCodes(t *testing.T) {
	cases := map[string]struct {
		args []string
		err  error
		want int
		yes  bool
	}{
		"confirmed":  {[]string{"restore", "--yes", "etcd-backup-20240715-123456.db.gz"}, nil, pipeline.ExitOK, true},
		"cancelled":  {[]string{"restore", "etcd-backup-20240715-123456.db.gz"}, pipeline.Fail(pipeline.Confirm, pipeline.ErrCancelled), pipeline.ExitCancelled, false},
		"stop fails": {[]string{"restore", "-y", "etcd-backup-20240715-123456.db.gz"}, pipeline.Fail(pipeline.ServiceStop, errors.New("timeout")), pipeline.ExitFailure, true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resetSeams()
			var gotYes bool
			newConfirmer = func(assumeYes bool) restore.Confirmer {
				gotYes = assumeYes
				return restore.ConfirmFunc(func(context.Context, restore.Request) (bool, error) { return assumeYes, nil })
			}
			var gotName string
			runRestore = func(_ context.Context, _ config.Config, _ provider.Store, name string, c restore.Confirmer) (restore.Result, error) {
				gotName = name
				if c == nil {
					t.Fatalf("confirmer not passed")
				}
				return restore.Result{Healthy: true}, tc.err
			}

			restoreOut := captureStdout(t)
			code := execute(context.Background(), tc.args)
			_ = restoreOut()

			if code != tc.want {
				t.Fatalf("want exit %d, got %d", tc.want, code)
			}
			if gotName != "etcd-backup-20240715-123456.db.gz" {
				t.Fatalf("artifact mismatch: %q", gotName)
			}
			if gotYes != tc.yes {
				t.Fatalf("assumeYes: want %v, got %v", tc.yes, gotYes)
			}
		})
	}
}

// 11) the prompt gate: --yes, no terminal, interactive answer
func TestPromptConfirmer(t *testing.T) {
	prevTerm, prevAsk := isTerminal, askOne
	defer func() { isTerminal, askOne = prevTerm, prevAsk }()

	req := restore.Request{RemoteKey: "etcd-backups/cp-1/etcd-backup-20240715-123456.db.gz"}
	asked := 0
	askOne = func(string) (bool, error) {
		asked++
		return true, nil
	}

	isTerminal = func() bool { return false }
	ok, err := promptConfirmer(true).Confirm(context.Background(), req)
	if err != nil || !ok {
		t.Fatalf("--yes must confirm, got %v %v", ok, err)
	}
	ok, err = promptConfirmer(false).Confirm(context.Background(), req)
	if err != nil || ok {
		t.Fatalf("no terminal must refuse, got %v %v", ok, err)
	}
	if asked != 0 {
		t.Fatalf("prompt shown %d times without a terminal", asked)
	}

	isTerminal = func() bool { return true }
	ok, err = promptConfirmer(false).Confirm(context.Background(), req)
	if err != nil || !ok || asked != 1 {
		t.Fatalf("interactive answer not used: ok=%v err=%v asked=%d", ok, err, asked)
	}

	askOne = func(string) (bool, error) { return false, fmt.Errorf("interrupt") }
	if _, err := promptConfirmer(false).Confirm(context.Background(), req); err == nil {
		t.Fatalf("prompt error must surface")
	}
}

// 12) withSignals: cancels context on SIGINT
func TestWithSignals_CancelsOnInterrupt(t *testing.T) {
	ctx := withSignals(context.Background())

	// Send SIGINT after a short delay to ensure signal.Notify has been registered.
	time.AfterFunc(100*time.Millisecond, func() {
		p, _ := os.FindProcess(os.Getpid())
		_ = p.Signal(os.Interrupt)
	})

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled after os.Interrupt")
	}

	signal.Reset(os.Interrupt)
}

/* ------------------------------- test fakes ------------------------------ */

type dummyStore struct{}

func (dummyStore) Name() string                                             { return "dummy" }
func (dummyStore) Put(context.Context, string, string, map[string]string) error { return nil }
func (dummyStore) Delete(context.Context, string) error                     { return nil }
func (dummyStore) Get(context.Context, string, string) error                { return nil }
func (dummyStore) List(context.Context, string) iter.Seq2[provider.ObjectInfo, error] {
	return func(func(provider.ObjectInfo, error) bool) {}
}

type recordingStore struct {
	dummyStore
	listed string
}

func (r *recordingStore) List(_ context.Context, prefix string) iter.Seq2[provider.ObjectInfo, error] {
	r.listed = prefix
	return r.dummyStore.List(context.Background(), prefix)
}
