package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/austindbirch/flarebox/internal/filename"
	"github.com/austindbirch/flarebox/internal/queue"
)

type listedEntry struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	OriginKey   string    `json:"origin_key,omitempty"`
	CapturedAt  time.Time `json:"captured_at,omitempty"`
	Size        int64     `json:"size"`
	Undecodable bool      `json:"undecodable,omitempty"`
}

func describe(e queue.Entry) listedEntry {
	le := listedEntry{Name: e.Name, Size: e.Size}
	id, ok := filename.Decode(e.Name)
	if !ok {
		le.Kind = "?"
		le.Undecodable = true
		le.CapturedAt = e.ModTime
		return le
	}
	le.Kind = id.Kind()
	le.OriginKey = id.OriginKey
	le.CapturedAt = id.Timestamp
	return le
}

func newListCmd(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued reports, oldest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore(cmd, ctx.agentConfig())
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List()
			if err != nil {
				return err
			}

			listed := make([]listedEntry, 0, len(entries))
			for _, e := range entries {
				listed = append(listed, describe(e))
			}

			out := cmd.OutOrStdout()
			if ctx.outputJSON {
				return printJSON(out, listed)
			}
			if len(listed) == 0 {
				_, err := fmt.Fprintln(out, "No queued reports")
				return err
			}

			rows := make([][]string, 0, len(listed))
			for i, le := range listed {
				origin := le.OriginKey
				if len(origin) > 8 {
					origin = origin[:8] + "…"
				}
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					le.Kind,
					origin,
					humanize.Time(le.CapturedAt),
					humanize.Bytes(uint64(le.Size)),
					le.Name,
				})
			}
			return printRows(out,
				[]string{"#", "Kind", "Origin", "Captured", "Size", "Name"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			)
		},
	}
}
