package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/gridfeed/pkg/payload"
	"github.com/go-go-golems/gridfeed/pkg/scenario"
	"github.com/go-go-golems/gridfeed/pkg/tablesource"
)

func newScenarioCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scenario <file.yaml>",
		Short: "Replay a scripted grid session and print the rows it ends up showing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := scenario.LoadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "load %s", args[0])
			}
			res, err := scenario.Run(cmd.Context(), sc, log.Logger.With().Str("scenario", sc.Name).Logger())
			if err != nil {
				return err
			}

			rows := make([]payload.Row, 0, len(res.Rows))
			for i, r := range res.Rows {
				out := payload.Row{"row_id": res.RowIDs[i]}
				for k, v := range r {
					out[k] = v
				}
				rows = append(rows, out)
			}
			if err := tablesource.WriteJSONL(cmd.OutOrStdout(), rows); err != nil {
				return err
			}

			log.Info().
				Str("context_key", res.ContextKey).
				Int("total_length", res.TotalLength).
				Int("rows", len(res.Rows)).
				Ints("anchors", res.Anchors).
				Int("purges", res.Purges).
				Int("fetches", res.Stats.Fetches).
				Int("hits", res.Stats.Hits).
				Int("coalesced", res.Stats.Coalesced).
				Int("stale", res.Stats.Stale).
				Msg("scenario settled")
			return nil
		},
	}
}
