package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/proxyd/internal/config"
	"github.com/harun/proxyd/internal/daemon"
	"github.com/harun/proxyd/pkg/statusapi"
)

var (
	statusJSON  bool
	statusProbe bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of proxyd and the supervised Tor daemon.
The status API is queried when it is enabled; otherwise only the PID file
is consulted.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the full status report as JSON")
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "dial the probe target through the proxy")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()

	if cfg.API.Enabled {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ProbeTimeout()+5*time.Second)
		defer cancel()

		client := statusapi.NewStatusClient(cfg.APIAddr(), cfg.API.Token)
		report, err := client.Status(ctx, statusProbe)
		switch {
		case err == nil:
			return printReport(out, report)
		case !errors.Is(err, statusapi.ErrUnavailable):
			return err
		}
	}

	return printProcessStatus(out, cfg)
}

func printProcessStatus(out io.Writer, cfg *config.Config) error {
	lm := daemon.NewLifecycleManager(cfg.DataDir, zerolog.Nop())
	if !lm.IsRunning() {
		if statusJSON {
			return json.NewEncoder(out).Encode(map[string]interface{}{"running": false})
		}
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := lm.GetPID()
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	if statusJSON {
		return json.NewEncoder(out).Encode(map[string]interface{}{"running": true, "pid": pid})
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if startedAt, err := lm.StartedAt(); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(startedAt)))
	}
	return nil
}

func printReport(out io.Writer, report statusapi.Report) error {
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "Daemon: %s\n", report.State)
	if report.Running {
		fmt.Fprintf(out, "Daemon PID: %d\n", report.PID)
	}
	if report.StartedAt != nil {
		fmt.Fprintf(out, "Daemon uptime: %s\n", formatDuration(time.Since(*report.StartedAt)))
	}
	fmt.Fprintf(out, "Proxy: %s\n", report.ProxyURI)
	fmt.Fprintf(out, "Consumers: %d\n", report.Consumers)
	for _, lease := range report.Leases {
		fmt.Fprintf(out, "  %s (%s, %s)\n", lease.Holder, lease.ID, formatDuration(time.Since(lease.AcquiredAt)))
	}
	if report.NextRotation != nil {
		fmt.Fprintf(out, "Next rotation: %s\n", report.NextRotation.Format(time.RFC3339))
	}
	if report.LastRotation != nil {
		fmt.Fprintf(out, "Last rotation: %s", report.LastRotation.Format(time.RFC3339))
		if report.LastRotationError != "" {
			fmt.Fprintf(out, " (failed: %s)", report.LastRotationError)
		}
		fmt.Fprintln(out)
	}
	if report.Probe != nil {
		if report.Probe.Reachable {
			fmt.Fprintf(out, "Probe: reachable (%s)\n", report.Probe.Latency.Round(time.Millisecond))
		} else {
			fmt.Fprintf(out, "Probe: unreachable (%s)\n", report.Probe.Error)
		}
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
