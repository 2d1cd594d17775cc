package cli

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/proxyd/internal/daemon"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the proxyd supervisor",
	Long: `Stop the proxyd supervisor gracefully.
Sends SIGTERM to proxyd, which releases every consumer, stops the Tor
daemon and clears session data before exiting. SIGKILL is sent when the
timeout expires.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for proxyd to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()

	lm := daemon.NewLifecycleManager(cfg.DataDir, zerolog.Nop())
	pid, err := lm.Signal(syscall.SIGTERM)
	if errors.Is(err, daemon.ErrNotRunning) {
		if rmErr := lm.RemoveStalePIDFile(); rmErr != nil {
			return fmt.Errorf("failed to remove stale PID file: %w", rmErr)
		}
		fmt.Fprintln(out, "proxyd is not running")
		return nil
	}
	if err != nil {
		return err
	}

	// Wait for process to stop with timeout
	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !lm.IsRunning() {
			fmt.Fprintln(out, "proxyd stopped successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if _, err := lm.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	// A killed proxyd cannot clean up after itself
	if err := lm.RemoveStalePIDFile(); err != nil {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	fmt.Fprintf(out, "proxyd (pid %d) killed\n", pid)
	return nil
}
