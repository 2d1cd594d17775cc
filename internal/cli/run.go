package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/proxyd/internal/daemon"
)

const runHolder = "proxyd run"

var noAttach bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proxyd supervisor in the foreground",
	Long: `Run the proxyd supervisor in the foreground.
By default proxyd attaches itself as a consumer so the Tor daemon starts
immediately. With --no-attach the daemon stays down until a consumer
attaches through the status API. Stop with Ctrl+C or "proxyd stop".`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&noAttach, "no-attach", false, "do not start the Tor daemon until a consumer attaches")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		d.GetSupervisor().Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	if !noAttach {
		d.Acquire(runHolder)
	}

	d.Wait(cmd.Context())
	return nil
}
