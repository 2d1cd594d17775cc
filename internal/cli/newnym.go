package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/proxyd/pkg/statusapi"
	"github.com/harun/proxyd/pkg/supervisor"
)

var newnymCmd = &cobra.Command{
	Use:     "newnym",
	Aliases: []string{"new-identity"},
	Short:   "Request a new Tor identity",
	Long: `Ask the running proxyd to signal NEWNYM to the Tor daemon so new
connections use fresh circuits. Requires the status API.`,
	RunE: runNewnym,
}

func init() {
	rootCmd.AddCommand(newnymCmd)
}

func runNewnym(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.API.Enabled {
		return errors.New("status api is disabled in the configuration")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	client := statusapi.NewStatusClient(cfg.APIAddr(), cfg.API.Token)
	err = client.NewIdentity(ctx)
	switch {
	case err == nil:
		fmt.Fprintln(cmd.OutOrStdout(), "New identity requested")
		return nil
	case errors.Is(err, supervisor.ErrStaleControlSignal):
		return errors.New("tor daemon is not connected, no identity to rotate")
	case errors.Is(err, supervisor.ErrIdentityThrottled):
		return fmt.Errorf("new identity requested too soon, wait %s between requests", cfg.IdentityInterval())
	case errors.Is(err, statusapi.ErrUnavailable):
		return errors.New("proxyd is not running")
	default:
		return err
	}
}
