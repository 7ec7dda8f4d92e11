package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/flarebox/internal/config"
)

func newConfigCmd(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect flarectl configuration",
	}
	configCmd.AddCommand(newConfigViewCmd(ctx))
	return configCmd
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func configView(cfg config.Config) map[string]any {
	return map[string]any{
		"dir":              cfg.ErrorDir(),
		"max_entries":      cfg.Store.MaxPersistedEntries,
		"endpoint":         cfg.Delivery.Endpoint,
		"api_key":          mask(cfg.Delivery.APIKey),
		"signing_secret":   mask(cfg.Delivery.SigningSecret),
		"timeout":          cfg.Delivery.Timeout.String(),
		"payload_version":  cfg.Delivery.PayloadVersion,
		"launch_duration":  cfg.Launch.WindowDuration.String(),
		"launch_wait":      cfg.Launch.WaitTimeout.String(),
		"launch_poll":      cfg.Launch.PollInterval.String(),
		"backoff_schedule": fmt.Sprint(cfg.Flush.BackoffSchedule),
	}
}

func newConfigViewCmd(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "View current configuration",
		Long:  `Display the settings flarectl resolved from flags, the config file and the environment.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.agentConfig()
			if ctx.outputJSON {
				return printJSON(cmd.OutOrStdout(), configView(cfg))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Current configuration:")
			fmt.Fprintf(out, "  Queue dir: %s\n", cfg.ErrorDir())
			fmt.Fprintf(out, "  Max entries: %d\n", cfg.Store.MaxPersistedEntries)
			fmt.Fprintf(out, "  Endpoint: %s\n", cfg.Delivery.Endpoint)
			fmt.Fprintf(out, "  API key: %s\n", mask(cfg.Delivery.APIKey))
			fmt.Fprintf(out, "  Signing: %v\n", cfg.Delivery.SigningSecret != "")
			fmt.Fprintf(out, "  Timeout: %s\n", cfg.Delivery.Timeout)
			fmt.Fprintf(out, "  Launch: window %s, wait %s, poll %s\n",
				cfg.Launch.WindowDuration, cfg.Launch.WaitTimeout, cfg.Launch.PollInterval)

			if used := ctx.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "  Config file: %s\n", used)
			} else {
				fmt.Fprintln(out, "  Config file: none (using defaults)")
			}
			return nil
		},
	}
}
