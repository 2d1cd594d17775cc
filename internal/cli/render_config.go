package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/proxyd/internal/config"
	"github.com/harun/proxyd/pkg/torrc"
)

var (
	writeConfig bool
	saveConfig  bool
)

var renderConfigCmd = &cobra.Command{
	Use:   "render-config",
	Short: "Print the generated torrc",
	Long: `Print the torrc proxyd generates for the Tor daemon from the current
configuration. With --write the file is written into the daemon data
directory instead. With --save the effective configuration, environment
overrides included, is written back to the config file.`,
	RunE: runRenderConfig,
}

func init() {
	renderConfigCmd.Flags().BoolVar(&writeConfig, "write", false, "write the torrc into the daemon data directory")
	renderConfigCmd.Flags().BoolVar(&saveConfig, "save", false, "write the effective configuration back to the config file")
	rootCmd.AddCommand(renderConfigCmd)
}

func runRenderConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	settings := cfg.DaemonSettings()

	if saveConfig {
		loader := config.NewLoader(cfgFile)
		if err := loader.Save(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", loader.GetConfigPath())
		return nil
	}

	if !writeConfig {
		_, err := cmd.OutOrStdout().Write(torrc.Render(settings))
		return err
	}

	path, err := torrc.NewWriter().Write(settings)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
