package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imishinist/knobsweep/internal/models"
	"github.com/imishinist/knobsweep/internal/sweep"
)

func seedResults(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	records := []models.MetricsRecord{
		{Label: "combo_0", Knobs: map[string]int{"A": 0, "B": 0}, AFLKnobs: "A=0;B=0", BitmapCvgPct: 4.5, PathsTotal: 90, ExecsDone: 1000},
		{Label: "combo_2", Knobs: map[string]int{"A": 1, "B": 0}, AFLKnobs: "A=1;B=0", BitmapCvgPct: 7.25, PathsTotal: 120, ExecsDone: 2000},
	}
	for _, rec := range records {
		path := filepath.Join(dir, rec.Label, sweep.MetricsFile)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0644))
	}
	// started but never produced a record
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "combo_1"), 0755))
	return dir
}

func TestWriteDataset_StdoutStillReportsSkipped(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	err := writeDataset(aggregateOptions{
		ResultsDir: seedResults(t),
		Output:     "-",
		Stdout:     &stdout,
		Stderr:     &stderr,
	}, models.KnobSet{"A", "B"}, 4)
	require.NoError(t, err)

	assert.Contains(t, stdout.String(), "combo_id,A,B,")
	assert.Contains(t, stdout.String(), "combo_2,1,0,7.25,")
	assert.NotContains(t, stdout.String(), "Skipped")
	assert.Contains(t, stderr.String(), "Skipped 1 combinations")
}

func TestWriteDataset_FileWithRanking(t *testing.T) {
	t.Parallel()

	out := t.TempDir()
	csvPath := filepath.Join(out, "dataset.csv")
	rankingPath := filepath.Join(out, "ranking.json")

	var stdout, stderr bytes.Buffer
	err := writeDataset(aggregateOptions{
		ResultsDir: seedResults(t),
		Output:     csvPath,
		Ranking:    rankingPath,
		Top:        1,
		Stdout:     &stdout,
		Stderr:     &stderr,
	}, models.KnobSet{"A", "B"}, 4)
	require.NoError(t, err)

	assert.FileExists(t, csvPath)
	report := stdout.String()
	assert.Contains(t, report, "(2 of 4 combinations)")
	assert.Contains(t, report, "Skipped 1 combinations")
	assert.Contains(t, report, "Best combination: combo_2 A=1;B=0")
	assert.Contains(t, report, "1 more")
	assert.Empty(t, stderr.String())

	data, err := os.ReadFile(rankingPath)
	require.NoError(t, err)
	var ranked []struct {
		Rank  int    `json:"rank"`
		Label string `json:"label"`
	}
	require.NoError(t, json.Unmarshal(data, &ranked))
	require.Len(t, ranked, 2)
	assert.Equal(t, "combo_2", ranked[0].Label)
	assert.Equal(t, 2, ranked[1].Rank)
	assert.Equal(t, "combo_0", ranked[1].Label)
}
