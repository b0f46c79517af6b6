package cmd

import (
	"errors"
	"fmt"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/usapopopooon/ephemeral-vc/ephemeralvc"
	"log/slog"
)

var errAlreadyRunning = errors.New("another instance holds the lock file")

// acquireLock takes an exclusive, non-blocking lock on path. The
// returned func releases it.
func acquireLock(path string) (func() error, error) {
	if path == "" {
		return func() error { return nil }, nil
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("error locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", errAlreadyRunning, path)
	}
	return lock.Unlock, nil
}

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, and the dashboard when api.enabled is set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		unlock, err := acquireLock(cfg.LockFile)
		if err != nil {
			return err
		}
		defer func() {
			if unlockErr := unlock(); unlockErr != nil {
				slog.Error("error releasing lock file", "error", unlockErr)
			}
		}()

		bot, err := ephemeralvc.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		return bot.Run(ctx)
	},
}

var webCmd = &cobra.Command{
	Use:   "web [flags]",
	Short: "Starts only the dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return ephemeralvc.RunAPI(cmd.Context(), cfg)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(webCmd)
}
