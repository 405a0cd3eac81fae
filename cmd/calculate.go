package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/alphascore/internal/engine"
	"github.com/sells-group/alphascore/internal/model"
)

var (
	calcJSON    bool
	calcTrigger string
)

var calculateCmd = &cobra.Command{
	Use:   "calculate <signal-id>...",
	Short: "Calculate AlphaScores for one or more signals",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var results []engine.Result
		if len(args) == 1 {
			results = []engine.Result{env.Engine.Calculate(ctx, args[0], model.ParseTrigger(calcTrigger))}
		} else {
			results = env.Engine.ProcessBatch(ctx, args)
		}

		if err := writeResults(cmd.OutOrStdout(), results, calcJSON, cfg.Engine.FallbackScore); err != nil {
			return err
		}
		if n := countFailed(results); n > 0 {
			return eris.Errorf("%d of %d signals failed", n, len(results))
		}
		return nil
	},
}

func init() {
	calculateCmd.Flags().BoolVar(&calcJSON, "json", false, "print results as JSON")
	calculateCmd.Flags().StringVar(&calcTrigger, "trigger", string(model.TriggerManual), "trigger recorded for a single signal (created, verification, batch, manual)")
	rootCmd.AddCommand(calculateCmd)
}

type resultLine struct {
	SignalID   string            `json:"signalId"`
	AlphaScore float64           `json:"alphaScore"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Components *model.Components `json:"components,omitempty"`
}

func toLines(results []engine.Result, fallback float64) []resultLine {
	lines := make([]resultLine, 0, len(results))
	for _, r := range results {
		line := resultLine{
			SignalID:   r.SignalID,
			AlphaScore: r.ScoreOr(fallback),
			Status:     "ok",
			Components: r.Components,
		}
		switch {
		case r.Err != nil:
			line.Status, line.Error = "failed", r.Err.Error()
		case r.AuditErr != nil:
			line.Status, line.Error = "unaudited", r.AuditErr.Error()
		case r.WriteErr != nil:
			line.Status, line.Error = "unwritten", r.WriteErr.Error()
		}
		lines = append(lines, line)
	}
	return lines
}

func writeResults(w io.Writer, results []engine.Result, asJSON bool, fallback float64) error {
	lines := toLines(results, fallback)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(lines)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIGNAL\tSCORE\tSTATUS")
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t%.2f\t%s\n", l.SignalID, l.AlphaScore, l.Status)
	}
	return tw.Flush()
}

func countFailed(results []engine.Result) int {
	var n int
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
