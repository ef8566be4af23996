package main

import (
	"context"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/restore"
)

var (
	isTerminal = func() bool { return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) }
	askOne     = func(message string) (bool, error) {
		proceed := false
		err := survey.AskOne(&survey.Confirm{Message: message, Default: false}, &proceed)
		return proceed, err
	}
)

// promptConfirmer returns the gate used by the restore command. Without
// --yes it needs an interactive terminal; a non-interactive run is treated
// as a refusal.
func promptConfirmer(assumeYes bool) restore.Confirmer {
	return restore.ConfirmFunc(func(_ context.Context, req restore.Request) (bool, error) {
		if assumeYes {
			log.Warn().Str("action", "restore").Str("remote", req.RemoteKey).Msg("confirmation skipped (--yes)")
			return true, nil
		}
		if !isTerminal() {
			log.Warn().Str("action", "restore").Msg("no terminal to confirm on; pass --yes to restore non-interactively")
			return false, nil
		}

		banner := color.New(color.FgRed, color.Bold)
		banner.Fprintln(os.Stderr, "This will stop etcd and replace its data directory.")
		fmt.Fprintf(os.Stderr, "  artifact: %s\n", req.RemoteKey)
		return askOne("Restore this snapshot now?")
	})
}
