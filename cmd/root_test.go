package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/alphascore/internal/config"
	"github.com/sells-group/alphascore/internal/engine"
	"github.com/sells-group/alphascore/internal/model"
	"github.com/sells-group/alphascore/internal/scorer"
	"github.com/sells-group/alphascore/internal/store"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "calculate", "history", "migrate", "policy", "import-archive"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "alphascore", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd  string
		flag string
		def  string
	}{
		{"serve", "port", "0"},
		{"calculate", "json", "false"},
		{"calculate", "trigger", "manual"},
		{"history", "limit", "20"},
		{"history", "json", "false"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd+"/"+tt.flag, func(t *testing.T) {
			c, _, err := rootCmd.Find([]string{tt.cmd})
			require.NoError(t, err)
			f := c.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

// runRoot executes the CLI against a memory store from a clean directory.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	t.Setenv("ALPHASCORE_STORE_DRIVER", "memory")
	t.Setenv("ALPHASCORE_LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPolicyCommand(t *testing.T) {
	out, err := runRoot(t, "policy")
	require.NoError(t, err)
	assert.Contains(t, out, "# policy hash "+scorer.DefaultPolicy().Hash())
	assert.Contains(t, out, "weights:")
	assert.Contains(t, out, "tiktok:")
}

func TestPolicyCommand_InvalidWeights(t *testing.T) {
	t.Setenv("ALPHASCORE_ENGINE_WEIGHTS_SPOTTER", "0.9")
	_, err := runRoot(t, "policy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights must sum to 1")
}

func TestCalculateCommand_UnknownSignal(t *testing.T) {
	calcJSON = true
	t.Cleanup(func() { calcJSON = false })

	out, err := runRoot(t, "calculate", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 signals failed")
	assert.Contains(t, out, `"status": "failed"`)
	assert.Contains(t, out, `"alphaScore": 0`)
}

func TestMigrateAndHistoryCommands(t *testing.T) {
	_, err := runRoot(t, "migrate")
	require.NoError(t, err)

	out, err := runRoot(t, "history", "sig-1")
	require.NoError(t, err)
	assert.Contains(t, out, "CALCULATED")
}

func TestLoadPolicy(t *testing.T) {
	ec := config.EngineConfig{
		Weights:           config.WeightsConfig{Spotter: 0.25, Community: 0.20, Velocity: 0.25, Platform: 0.15, Similarity: 0.15},
		HistoryWindowDays: 7,
		HistoryLimit:      3,
	}
	p, err := loadPolicy(ec)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, p.History.Window)
	assert.Equal(t, 3, p.History.Limit)
	assert.Equal(t, scorer.DefaultWeights(), p.Weights)

	file := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(file, []byte("platforms:\n  reddit:\n    multiplier: 2\n    trust_factor: 0.5\n"), 0644))
	ec.PolicyFile = file
	p, err = loadPolicy(ec)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, p.Platforms[model.PlatformReddit].Multiplier, 1e-9)
	assert.Equal(t, 3, p.History.Limit)

	ec.PolicyFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = loadPolicy(ec)
	assert.Error(t, err)

	ec.PolicyFile = ""
	ec.Weights.Similarity = 0.5
	_, err = loadPolicy(ec)
	assert.Error(t, err)
}

func TestInitStore(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	ctx := context.Background()

	cfg = &config.Config{Store: config.StoreConfig{Driver: "memory"}}
	st, err := initStore(ctx)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)

	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "a.db")}}
	st, err = initStore(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Close())

	cfg = &config.Config{Store: config.StoreConfig{Driver: "postgres"}}
	_, err = initStore(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url is required")

	cfg = &config.Config{Store: config.StoreConfig{Driver: "mongo"}}
	_, err = initStore(ctx)
	assert.Error(t, err)
}

func TestWriteResults(t *testing.T) {
	results := []engine.Result{
		{SignalID: "a", Score: 61.5, Components: &model.Components{SignalID: "a", FinalScore: 61.5}},
		{SignalID: "b", Err: errors.New("boom")},
		{SignalID: "c", Score: 40, AuditErr: errors.New("insert failed")},
	}

	var table bytes.Buffer
	require.NoError(t, writeResults(&table, results, false, 5))
	assert.Contains(t, table.String(), "61.50")
	assert.Contains(t, table.String(), "5.00")
	assert.Contains(t, table.String(), "unaudited")

	var js bytes.Buffer
	require.NoError(t, writeResults(&js, results, true, 5))
	var lines []resultLine
	require.NoError(t, json.Unmarshal(js.Bytes(), &lines))
	require.Len(t, lines, 3)
	assert.Equal(t, "ok", lines[0].Status)
	assert.Equal(t, "failed", lines[1].Status)
	assert.InDelta(t, 5.0, lines[1].AlphaScore, 1e-9)
	assert.Equal(t, 1, countFailed(results))
}

func TestWriteHistory(t *testing.T) {
	rows := []model.Components{{
		SignalID:     "a",
		FinalScore:   55,
		CalculatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Metadata:     model.CalculationMetadata{Trigger: model.TriggerBatch},
	}}

	var buf bytes.Buffer
	require.NoError(t, writeHistory(&buf, rows, false))
	assert.Contains(t, buf.String(), "2026-02-01T00:00:00Z")
	assert.Contains(t, buf.String(), "batch")

	buf.Reset()
	require.NoError(t, writeHistory(&buf, nil, true))
	assert.Equal(t, "[]\n", buf.String())
}

func TestReadArchive(t *testing.T) {
	entries, err := readArchive(strings.NewReader(`[
		{"id": "a1", "asset_ticker": " BTC ", "signal_timestamp": "2026-01-10T00:00:00Z", "outcome_classification": "accurate"},
		{"id": "a2", "asset_ticker": "ETH", "signal_timestamp": "2026-01-11T00:00:00Z"}
	]`))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "BTC", entries[0].AssetTicker)
	require.NotNil(t, entries[0].OutcomeClassification)
	assert.Equal(t, model.OutcomeAccurate, *entries[0].OutcomeClassification)
	assert.Nil(t, entries[1].OutcomeClassification)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{`, "decode"},
		{"missing id", `[{"asset_ticker": "BTC", "signal_timestamp": "2026-01-10T00:00:00Z"}]`, "id is required"},
		{"missing ticker", `[{"id": "a", "signal_timestamp": "2026-01-10T00:00:00Z"}]`, "asset_ticker is required"},
		{"missing timestamp", `[{"id": "a", "asset_ticker": "BTC"}]`, "signal_timestamp is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readArchive(strings.NewReader(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestImportArchiveCommand(t *testing.T) {
	file := filepath.Join(t.TempDir(), "archive.json")
	require.NoError(t, os.WriteFile(file, []byte(`[{"id": "a1", "asset_ticker": "BTC", "signal_timestamp": "2026-01-10T00:00:00Z"}]`), 0644))

	_, err := runRoot(t, "import-archive", file)
	require.NoError(t, err)

	_, err = runRoot(t, "import-archive", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
