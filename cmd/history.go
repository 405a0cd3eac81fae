package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/alphascore/internal/model"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history <signal-id>",
	Short: "Show the component history of a signal, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.ListComponents(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}
		return writeHistory(cmd.OutOrStdout(), rows, historyJSON)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "max number of rows")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print rows as JSON")
	rootCmd.AddCommand(historyCmd)
}

func writeHistory(w io.Writer, rows []model.Components, asJSON bool) error {
	if asJSON {
		if rows == nil {
			rows = []model.Components{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALCULATED\tFINAL\tSPOT\tCOMM\tVEL\tPLAT\tSIM\tTRIGGER")
	for _, c := range rows {
		s := c.Scores
		fmt.Fprintf(tw, "%s\t%.2f\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%s\n",
			c.CalculatedAt.Format(time.RFC3339),
			c.FinalScore,
			s.SpotterCredibility, s.CommunityVerification, s.SentimentVelocity,
			s.PlatformSignal, s.HistoricalSimilarity,
			c.Metadata.Trigger,
		)
	}
	return tw.Flush()
}
