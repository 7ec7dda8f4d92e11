package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/flarebox/internal/queue"
)

func newDeleteCmd(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "delete NAME...",
		Aliases: []string{"rm"},
		Short:   "Drop queued reports without delivering them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("pass one or more report names, or --all")
			}

			store, err := ctx.openStore(cmd, ctx.agentConfig())
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List()
			if err != nil {
				return err
			}

			targets, missing := selectEntries(entries, args, all)
			if len(missing) > 0 {
				return fmt.Errorf("no queued report named %s", strings.Join(missing, ", "))
			}
			if err := store.Delete(targets...); err != nil {
				return err
			}

			if ctx.outputJSON {
				names := make([]string, 0, len(targets))
				for _, e := range targets {
					names = append(names, e.Name)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": names})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d report(s)\n", len(targets))
			return err
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "delete every queued report")
	return cmd
}

func selectEntries(entries []queue.Entry, names []string, all bool) (targets []queue.Entry, missing []string) {
	if all {
		return entries, nil
	}
	byName := make(map[string]queue.Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	for _, n := range names {
		e, ok := byName[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		targets = append(targets, e)
	}
	return targets, missing
}
