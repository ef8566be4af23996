package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/artifact"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/backup"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/config"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/etcd"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/health"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/logx"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/pipeline"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/restore"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/service"
	"github.com/Chapsvision-dev/etcd-backup-restore/internal/version"

	_ "github.com/Chapsvision-dev/etcd-backup-restore/internal/provider/azure"
	_ "github.com/Chapsvision-dev/etcd-backup-restore/internal/provider/filesystem"
	_ "github.com/Chapsvision-dev/etcd-backup-restore/internal/provider/s3"
)

// Test seams, overridden in unit tests. Keep signatures in sync with packages.
var (
	loadSettings func(path string) error                                                                                 = config.LoadFile
	loadConfig   func() (config.Config, error)                                                                           = config.Load
	newProvider  func(name string, cfg any) (provider.Store, error)                                                      = provider.New
	runBackup    func(context.Context, config.Config, provider.Store) (backup.Result, error)                             = defaultBackup
	listRemote   func(context.Context, config.Config, provider.Store, string) ([]provider.ObjectInfo, error)              = defaultList
	runRestore   func(context.Context, config.Config, provider.Store, string, restore.Confirmer) (restore.Result, error) = defaultRestore
	newConfirmer func(assumeYes bool) restore.Confirmer                                                                  = promptConfirmer
	exit         func(int)                                                                                               = os.Exit
)

// main wires CLI -> config -> provider -> backup/list/restore.
// Exit codes: 0 success, 1 stage failure, 2 usage, 3 prerequisite, 4 cancelled.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	ctx := withSignals(context.Background())
	exit(execute(ctx, os.Args[1:]))
}

// exitError carries a run outcome through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return pipeline.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// anything cobra rejects before a command ran
	fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n\n%s", err, root.UsageString())
	return pipeline.ExitUsage
}

func newRootCmd() *cobra.Command {
	var settingsFile string

	root := &cobra.Command{
		Use:           "etcd-backup",
		Short:         "Back up and restore etcd snapshots to remote object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return &exitError{code: pipeline.ExitUsage, err: pipeline.ErrUsage}
		},
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if settingsFile == "" {
				settingsFile = os.Getenv("ETCD_BACKUP_CONFIG")
			}
			if err := loadSettings(settingsFile); err != nil {
				return &exitError{code: pipeline.ExitPrereq, err: err}
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&settingsFile, "config", "c", "", "settings file with KEY=value lines (default $ETCD_BACKUP_CONFIG)")

	root.AddCommand(newBackupCmd(), newListCmd(), newRestoreCmd(), newVersionCmd())
	return root
}

// setup loads config and builds the remote store.
func setup() (config.Config, provider.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("config error")
		return cfg, nil, &exitError{code: pipeline.ExitPrereq, err: err}
	}
	p, err := newProvider(cfg.Provider, cfg)
	if err != nil {
		log.Error().Err(err).Str("provider", cfg.Provider).Strs("available", provider.Names()).Msg("provider init error")
		return cfg, nil, &exitError{code: pipeline.ExitPrereq, err: err}
	}
	return cfg, p, nil
}

func outcome(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: pipeline.ExitCode(err), err: err}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Capture, verify, compress, upload and prune",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, p, err := setup()
			if err != nil {
				return err
			}
			start := time.Now()
			res, err := runBackup(cmd.Context(), cfg, p)
			if err != nil {
				log.Error().Err(err).Str("action", "backup").Msg("backup failed")
				return outcome(err)
			}
			for _, perr := range res.PruneErrors {
				color.Yellow("warning: %v", perr)
			}
			log.Info().
				Str("action", "backup").
				Str("provider", p.Name()).
				Str("remote", res.Artifact.RemoteKey).
				Int("pruned_local", len(res.PrunedLocal)).
				Int("pruned_remote", len(res.PrunedRemote)).
				Dur("elapsed_ms", time.Since(start)).
				Msg("backup complete")
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [prefix]",
		Short: "List remote artifacts (default: this host's)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, err := setup()
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			objs, err := listRemote(cmd.Context(), cfg, p, prefix)
			if err != nil {
				log.Error().Err(err).Str("action", "list").Msg("list failed")
				return outcome(err)
			}

			table := uitable.New()
			table.MaxColWidth = 100
			table.RightAlign(1)
			table.AddRow("KEY", "SIZE", "CAPTURED", "LAST MODIFIED", "AGE")
			for _, o := range objs {
				captured := "-"
				if ts, err := artifact.ParseTimestamp(o.Key, cfg.BackupPrefix, cfg.TimestampFormat); err == nil {
					captured = ts.Format(time.RFC3339)
				}
				table.AddRow(o.Key, humanize.IBytes(uint64(max(o.Size, 0))), captured,
					o.LastModified.UTC().Format(time.RFC3339), humanize.Time(o.LastModified))
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   "restore <artifact>",
		Short: "Replace the local etcd data directory with a remote artifact",
		Long: strings.TrimSpace(`
Downloads the artifact, stops the etcd service, copies the current data
directory aside, restores the snapshot into a fresh data directory and
starts the service again. Nothing is changed until the restore is confirmed,
interactively or with --yes.`),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if strings.TrimSpace(name) == "" {
				_ = cmd.Usage()
				return &exitError{code: pipeline.ExitUsage, err: fmt.Errorf("%w: artifact name is required", pipeline.ErrUsage)}
			}
			cfg, p, err := setup()
			if err != nil {
				return err
			}
			start := time.Now()
			res, err := runRestore(cmd.Context(), cfg, p, name, newConfirmer(assumeYes))
			if errors.Is(err, pipeline.ErrCancelled) {
				color.Yellow("restore cancelled, nothing was changed")
				return outcome(err)
			}
			if err != nil {
				log.Error().Err(err).Str("action", "restore").Str("artifact", name).Msg("restore failed")
				return outcome(err)
			}
			if !res.Healthy {
				color.Yellow("warning: restore completed but the cluster health check did not pass: %v", res.HealthErr)
			}
			if res.Request.PreRestoreSnapshotPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "previous data kept at %s\n", res.Request.PreRestoreSnapshotPath)
			}
			log.Info().
				Str("action", "restore").
				Str("provider", p.Name()).
				Str("remote", res.Request.RemoteKey).
				Dur("elapsed_ms", time.Since(start)).
				Msg("restore complete")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "etcd-backup %s\n", version.Info())
		},
	}
}

func defaultBackup(ctx context.Context, cfg config.Config, p provider.Store) (backup.Result, error) {
	opts, err := backup.OptionsFromConfig(cfg)
	if err != nil {
		return backup.Result{}, pipeline.Fail(pipeline.Prereq, err)
	}
	engine := etcd.NewCLI(cfg.Etcd.CtlPath, cfg.Etcd.UtlPath)
	r := &backup.Runner{Engine: engine, Tools: engine, Store: p, Opts: opts}
	return r.Run(ctx)
}

func defaultList(ctx context.Context, cfg config.Config, p provider.Store, prefix string) ([]provider.ObjectInfo, error) {
	r := &restore.Runner{Store: p, Opts: restore.OptionsFromConfig(cfg)}
	return r.List(ctx, prefix)
}

func defaultRestore(ctx context.Context, cfg config.Config, p provider.Store, name string, c restore.Confirmer) (restore.Result, error) {
	engine := etcd.NewCLI(cfg.Etcd.CtlPath, cfg.Etcd.UtlPath)
	if err := engine.CheckTools(); err != nil {
		return restore.Result{}, pipeline.Fail(pipeline.Prereq, err)
	}
	r := &restore.Runner{
		Engine:    engine,
		Store:     p,
		Service:   service.NewSystemd(service.NewSystemBusConn, cfg.Service.PollInterval),
		Confirmer: c,
		Opts:      restore.OptionsFromConfig(cfg),
	}
	if hc, err := health.FromKubeconfig(cfg.Health.Kubeconfig); err != nil {
		log.Warn().Err(err).Msg("cluster health checks disabled")
	} else {
		r.Health = hc
	}
	return r.Run(ctx, name)
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}
