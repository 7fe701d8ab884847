package extract

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imishinist/knobsweep/internal/models"
)

var testCombo = models.Combination{ID: 2, Label: "combo_2", Values: []bool{true, false}}

func TestExtract_MissingArtifactsYieldZeroRecord(t *testing.T) {
	t.Parallel()

	e := New(models.KnobSet{"A", "B"}, "", "", nil)
	rec := e.Extract(t.TempDir(), testCombo, 90*time.Second, models.OutcomeFailed)

	require.NotNil(t, rec)
	assert.Equal(t, "combo_2", rec.Label)
	assert.Equal(t, map[string]int{"A": 1, "B": 0}, rec.Knobs)
	assert.Equal(t, "A=1;B=0", rec.AFLKnobs)
	assert.Zero(t, rec.ExecsDone)
	assert.Zero(t, rec.BitmapCvgPct)
	assert.Zero(t, rec.PathsTotal)
	assert.Zero(t, rec.ExecsPerSec)
	assert.Zero(t, rec.BugsTriggered)
	assert.Zero(t, rec.BugsReached)
	assert.False(t, rec.StatsFound)
	assert.False(t, rec.BugsFound)
	assert.InDelta(t, 90.0, rec.WallTimeSec, 1e-9)
	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
}

func TestExtract_NonexistentDirectory(t *testing.T) {
	t.Parallel()

	e := New(models.KnobSet{"A", "B"}, "", "", nil)
	rec := e.Extract(filepath.Join(t.TempDir(), "gone"), testCombo, 0, models.OutcomeFailed)
	assert.Zero(t, rec.ExecsDone)
}

func TestExtract_FindsNestedArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nested := filepath.Join(dir, "ar", "afl", "libpng", "libpng_read_fuzzer", "0", "findings", "default")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "fuzzer_stats"), []byte(sampleStats), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bugs.json"), []byte(sampleBugs), 0644))

	e := New(models.KnobSet{"A", "B"}, "", "", nil)
	rec := e.Extract(dir, testCombo, 1200*time.Second, models.OutcomeSuccess)

	assert.True(t, rec.StatsFound)
	assert.True(t, rec.BugsFound)
	assert.Equal(t, filepath.Join(nested, "fuzzer_stats"), rec.StatsPath)
	assert.Equal(t, int64(1843921), rec.ExecsDone)
	assert.Equal(t, int64(812), rec.PathsTotal)
	assert.Equal(t, 1, rec.BugsTriggered)
	assert.Equal(t, 4, rec.BugsReached)

	inactive, _ := rec.Inactive()
	assert.False(t, inactive)
}

func TestExtract_CorruptBugReportKeepsStats(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fuzzer_stats"), []byte("execs_done : 5\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bugs.json"), []byte("{"), 0644))

	e := New(models.KnobSet{"A", "B"}, "", "", nil)
	rec := e.Extract(dir, testCombo, time.Second, models.OutcomeSuccess)

	assert.Equal(t, int64(5), rec.ExecsDone)
	assert.False(t, rec.BugsFound)
	assert.Zero(t, rec.BugsTriggered)

	inactive, reason := rec.Inactive()
	assert.True(t, inactive)
	assert.Contains(t, reason, "paths_total=0")
}
