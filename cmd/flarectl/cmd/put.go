package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/flarebox/internal/delivery"
)

// launchFlag pins the launch-crash flag of a hand-written report.
type launchFlag bool

func (l launchFlag) IsLaunching() bool { return bool(l) }

func newPutCmd(ctx *commandContext) *cobra.Command {
	var (
		origin string
		launch bool
	)

	cmd := &cobra.Command{
		Use:   "put [FILE]",
		Short: "Queue a report read from FILE or stdin",
		Long: `Queue a report as the capture side would. The body is stored as is.

Examples:
  flarectl put crash.json
  cat crash.json | flarectl put --launch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.agentConfig()
			if origin == "" {
				origin = cfg.Delivery.APIKey
			}
			if origin == "" {
				return errors.New("no origin key: pass --origin or set FLARE_API_KEY")
			}

			var (
				body []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read report: %w", err)
			}
			if len(body) == 0 {
				return errors.New("report body is empty")
			}

			store, err := ctx.openStore(cmd, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			events := delivery.NewEventStore(store, nil, nil,
				delivery.WithLaunchState(launchFlag(launch)),
				delivery.WithLogger(ctx.logger(cmd)),
			)
			name, err := events.Write(origin, body)
			if err != nil {
				return err
			}

			if ctx.outputJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"name": name, "size": len(body)})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), name)
			return err
		},
	}

	cmd.Flags().StringVar(&origin, "origin", "", "origin key of the report (default is the configured API key)")
	cmd.Flags().BoolVar(&launch, "launch", false, "mark the report as a launch crash")
	return cmd
}
