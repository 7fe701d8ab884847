package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imishinist/knobsweep/internal/aggregate"
	"github.com/imishinist/knobsweep/internal/campaign"
	"github.com/imishinist/knobsweep/internal/combo"
	"github.com/imishinist/knobsweep/internal/extract"
	"github.com/imishinist/knobsweep/internal/models"
	"github.com/imishinist/knobsweep/internal/state"
)

// fakeRunner stands in for the external campaign. It resets its working
// directory like the real runner and writes a stats file derived from the
// combination id unless told otherwise.
type fakeRunner struct {
	workDir string
	calls   []string
	// behave may override the outcome for a label; returning nil means success.
	behave func(ctx context.Context, c models.Combination) (*campaign.Outcome, error)
}

func (f *fakeRunner) Run(ctx context.Context, c models.Combination, outDir string) (*campaign.Outcome, error) {
	f.calls = append(f.calls, c.Label)

	if err := os.RemoveAll(f.workDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(f.workDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}

	if f.behave != nil {
		if out, err := f.behave(ctx, c); out != nil || err != nil {
			return out, err
		}
	}

	stats := fmt.Sprintf("bitmap_cvg : %d.50%%\npaths_total : %d\nexecs_done : %d\nexecs_per_sec : 100.0\n",
		c.ID, 100+c.ID, 1000*(c.ID+1))
	if err := os.WriteFile(filepath.Join(f.workDir, "fuzzer_stats"), []byte(stats), 0644); err != nil {
		return nil, err
	}
	bugs := `{"results":{"aflplusplus":{"libpng":{"readpng":{"0":{"reached":{"PNG001":1,"PNG002":2},"triggered":{"PNG001":3}}}}}}}`
	if err := os.WriteFile(filepath.Join(f.workDir, "bugs.json"), []byte(bugs), 0644); err != nil {
		return nil, err
	}

	return &campaign.Outcome{Kind: models.OutcomeSuccess, ArtifactsDir: f.workDir, Duration: time.Minute}, nil
}

type fixture struct {
	knobs      models.KnobSet
	combos     []models.Combination
	statePath  string
	resultsDir string
	runner     *fakeRunner
}

func newFixture(t *testing.T, knobs models.KnobSet) *fixture {
	t.Helper()

	gen, err := combo.NewGenerator(knobs)
	require.NoError(t, err)

	root := t.TempDir()
	return &fixture{
		knobs:      knobs,
		combos:     gen.Combinations(),
		statePath:  filepath.Join(root, "sweep_state.json"),
		resultsDir: filepath.Join(root, "results"),
		runner:     &fakeRunner{workDir: filepath.Join(root, "workdir")},
	}
}

func (f *fixture) store(t *testing.T) *state.Store {
	t.Helper()

	s := state.NewStore(f.statePath, f.knobs, f.combos)
	_, err := s.Load(time.Minute)
	require.NoError(t, err)
	return s
}

func (f *fixture) orchestrator(s *state.Store, opts Options) *Orchestrator {
	opts.ResultsDir = f.resultsDir
	return New(s, f.runner, extract.New(f.knobs, "", "", nil), opts, nil)
}

func TestRun_EndToEndTwoKnobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.KnobSet{"A", "B"})
	s := f.store(t)

	summary, err := f.orchestrator(s, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Attempted)
	assert.Equal(t, 4, summary.Completed)
	assert.Zero(t, summary.Remaining)
	assert.Equal(t, []string{"combo_0", "combo_1", "combo_2", "combo_3"}, f.runner.calls)

	for _, label := range []string{"combo_0", "combo_3"} {
		for _, name := range []string{MetricsFile, StatsCopy, BugReportCopy} {
			assert.FileExists(t, filepath.Join(f.resultsDir, label, name))
		}
	}

	ds, err := aggregate.New(f.resultsDir, f.knobs, nil).Collect()
	require.NoError(t, err)
	require.Len(t, ds.Rows, 4)
	assert.Equal(t, []string{"combo_id", "A", "B", "bitmap_cvg_pct", "paths_total", "execs_done",
		"execs_per_sec", "bugs_triggered", "bugs_reached"}, ds.Columns())

	row := ds.Rows[2]
	assert.Equal(t, "combo_2", row.Label)
	assert.Equal(t, []int{1, 0}, row.Knobs)
	assert.Equal(t, 2.5, row.Metrics.BitmapCvgPct)
	assert.Equal(t, int64(3000), row.Metrics.ExecsDone)
	assert.Equal(t, 1, row.Metrics.BugsTriggered)
	assert.Equal(t, 2, row.Metrics.BugsReached)

	snap := s.Snapshot()
	assert.Equal(t, models.StatusCounts{Completed: 4}, snap.Counts())
	assert.Equal(t, filepath.Join("combo_2", MetricsFile), snap.Campaigns["combo_2"].MetricsPath)
}

func TestRun_ResumeRunsOnlyRemaining(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.KnobSet{"A", "B", "C"})
	s := f.store(t)

	done := 3
	for _, c := range f.combos[:done] {
		require.NoError(t, s.MarkInProgress(c.Label))
		require.NoError(t, s.MarkCompleted(c.Label, filepath.Join(c.Label, MetricsFile)))
	}

	resumed := f.store(t)
	summary, err := f.orchestrator(resumed, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, len(f.combos)-done, summary.Attempted)
	assert.Len(t, f.runner.calls, len(f.combos)-done)
	assert.NotContains(t, f.runner.calls, "combo_0")
	assert.Equal(t, "combo_3", f.runner.calls[0])

	snap := resumed.Snapshot()
	assert.Equal(t, models.StatusCounts{Completed: len(f.combos)}, snap.Counts())
}

func TestRun_InterruptedCombinationIsRerun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.KnobSet{"A", "B"})
	s := f.store(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.runner.behave = func(ctx context.Context, c models.Combination) (*campaign.Outcome, error) {
		if c.Label != "combo_1" {
			return nil, nil
		}
		// a partial artifact that must not be trusted later
		_ = os.WriteFile(filepath.Join(f.runner.workDir, "fuzzer_stats"), []byte("execs_done : 5\n"), 0644)
		cancel()
		return nil, fmt.Errorf("campaign interrupted: %w", ctx.Err())
	}

	_, err := f.orchestrator(s, Options{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	onDisk := state.NewStore(f.statePath, f.knobs, f.combos)
	raw, err := os.ReadFile(f.statePath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"in_progress": "combo_1"`)
	assert.NoFileExists(t, filepath.Join(f.resultsDir, "combo_1", MetricsFile))

	_, err = onDisk.Load(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, onDisk.Snapshot().Campaigns["combo_1"].Status)

	f.runner.behave = nil
	f.runner.calls = nil
	summary, err := f.orchestrator(onDisk, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"combo_1", "combo_2", "combo_3"}, f.runner.calls)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, models.StatusCompleted, onDisk.Snapshot().Campaigns["combo_1"].Status)
}

func TestRun_FailForwardRecordsFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.KnobSet{"A", "B"})
	s := f.store(t)
	f.runner.behave = func(_ context.Context, c models.Combination) (*campaign.Outcome, error) {
		switch c.Label {
		case "combo_1":
			return &campaign.Outcome{
				Kind:         models.OutcomeFailed,
				ArtifactsDir: f.runner.workDir,
				ExitCode:     2,
				Diagnostics:  &campaign.Diagnostics{Reason: "exited with code 2"},
			}, nil
		case "combo_2":
			// clean exit but nothing was fuzzed
			return &campaign.Outcome{Kind: models.OutcomeSuccess, ArtifactsDir: f.runner.workDir}, nil
		}
		return nil, nil
	}

	summary, err := f.orchestrator(s, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Attempted)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 2, summary.Failed)

	snap := s.Snapshot()
	assert.Equal(t, models.StatusFailed, snap.Campaigns["combo_1"].Status)
	assert.Equal(t, "exited with code 2", snap.Campaigns["combo_1"].Reason)
	assert.Equal(t, models.StatusFailed, snap.Campaigns["combo_2"].Status)
	assert.Contains(t, snap.Campaigns["combo_2"].Reason, "execs_done=0")

	// failed combinations still leave a zeroed record behind
	assert.FileExists(t, filepath.Join(f.resultsDir, "combo_1", MetricsFile))
}

func TestRun_UnstartableCampaignStillLeavesZeroRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.KnobSet{"A", "B"})
	s := f.store(t)
	f.runner.behave = func(_ context.Context, c models.Combination) (*campaign.Outcome, error) {
		if c.Label == "combo_1" {
			return nil, errors.New("failed to reset working directory: permission denied")
		}
		return nil, nil
	}

	summary, err := f.orchestrator(s, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 1, summary.Failed)

	snap := s.Snapshot()
	assert.Equal(t, models.StatusFailed, snap.Campaigns["combo_1"].Status)
	assert.Contains(t, snap.Campaigns["combo_1"].Reason, "could not be started")
	assert.Equal(t, filepath.Join("combo_1", MetricsFile), snap.Campaigns["combo_1"].MetricsPath)

	ds, err := aggregate.New(f.resultsDir, f.knobs, nil).Collect()
	require.NoError(t, err)
	require.Len(t, ds.Rows, 4)
	row := ds.Rows[1]
	assert.Equal(t, "combo_1", row.Label)
	assert.Equal(t, []int{0, 1}, row.Knobs)
	assert.Zero(t, row.Metrics.BitmapCvgPct)
	assert.Zero(t, row.Metrics.ExecsDone)
	assert.Zero(t, row.Metrics.BugsTriggered)
}

func TestRun_TimeoutSalvagesMetricsButFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.KnobSet{"A"})
	s := f.store(t)
	f.runner.behave = func(_ context.Context, c models.Combination) (*campaign.Outcome, error) {
		if c.Label != "combo_0" {
			return nil, nil
		}
		_ = os.WriteFile(filepath.Join(f.runner.workDir, "fuzzer_stats"), []byte("execs_done : 5000\npaths_total : 40\n"), 0644)
		return &campaign.Outcome{
			Kind:         models.OutcomeTimedOut,
			ArtifactsDir: f.runner.workDir,
			Diagnostics:  &campaign.Diagnostics{Reason: "timed out"},
		}, nil
	}

	_, err := f.orchestrator(s, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, s.Snapshot().Campaigns["combo_0"].Status)
	ds, err := aggregate.New(f.resultsDir, f.knobs, nil).Collect()
	require.NoError(t, err)
	require.Len(t, ds.Rows, 2)
	assert.Equal(t, int64(5000), ds.Rows[0].Metrics.ExecsDone)
	assert.Equal(t, models.OutcomeTimedOut, ds.Rows[0].Metrics.Outcome)
}

func TestRun_FailFastHalts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.KnobSet{"A", "B"})
	s := f.store(t)
	f.runner.behave = func(_ context.Context, c models.Combination) (*campaign.Outcome, error) {
		if c.Label == "combo_1" {
			return nil, errors.New("exec format error")
		}
		return nil, nil
	}

	summary, err := f.orchestrator(s, Options{FailFast: true}).Run(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, []string{"combo_0", "combo_1"}, f.runner.calls)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Remaining)
	assert.Contains(t, s.Snapshot().Campaigns["combo_1"].Reason, "exec format error")
}

type recordingSink struct {
	results []*Result
	err     error
}

func (r *recordingSink) Export(_ context.Context, res *Result) error {
	r.results = append(r.results, res)
	return r.err
}

type recordingTelemetry struct {
	counts []models.StatusCounts
}

func (r *recordingTelemetry) Observe(_ *Result, counts models.StatusCounts) error {
	r.counts = append(r.counts, counts)
	return nil
}

func TestRun_PublishesEveryResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.KnobSet{"A"})
	s := f.store(t)
	sink := &recordingSink{err: errors.New("tracking server unreachable")}
	tel := &recordingTelemetry{}

	_, err := f.orchestrator(s, Options{Sink: sink, Telemetry: tel}).Run(context.Background())
	require.NoError(t, err, "export errors never fail the sweep")

	require.Len(t, sink.results, 2)
	assert.Equal(t, "combo_1", sink.results[1].Combination.Label)
	assert.Equal(t, models.StatusCompleted, sink.results[1].Status)
	assert.Equal(t, []models.StatusCounts{
		{Pending: 1, Completed: 1},
		{Completed: 2},
	}, tel.counts)
}

func TestRun_PauseHonoursCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.KnobSet{"A"})
	s := f.store(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	summary, err := f.orchestrator(s, Options{Pause: time.Hour}).Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Remaining)
}
