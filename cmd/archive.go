package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/alphascore/internal/model"
)

var importArchiveCmd = &cobra.Command{
	Use:   "import-archive <file.json|->",
	Short: "Load resolved signals into the outcome archive",
	Long:  "Reads a JSON array of archive entries and upserts them by id. Pass - to read from stdin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrapf(err, "import-archive: open %s", args[0])
			}
			defer f.Close()
			r = f
		}

		entries, err := readArchive(r)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.ImportArchive(ctx, entries)
		if err != nil {
			return err
		}
		zap.L().Info("archive import complete",
			zap.Int("entries", len(entries)),
			zap.Int64("rows", n),
			zap.String("store", cfg.Store.Driver),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importArchiveCmd)
}

// readArchive decodes and validates archive entries.
func readArchive(r io.Reader) ([]model.ArchiveEntry, error) {
	var entries []model.ArchiveEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, eris.Wrap(err, "import-archive: decode")
	}
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			return nil, eris.Errorf("import-archive: entry %d: id is required", i)
		}
		e.AssetTicker = strings.TrimSpace(e.AssetTicker)
		if e.AssetTicker == "" {
			return nil, eris.Errorf("import-archive: entry %s: asset_ticker is required", e.ID)
		}
		if e.SignalTimestamp.IsZero() {
			return nil, eris.Errorf("import-archive: entry %s: signal_timestamp is required", e.ID)
		}
	}
	return entries, nil
}
