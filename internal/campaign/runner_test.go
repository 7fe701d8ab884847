//go:build unix

package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imishinist/knobsweep/internal/models"
)

var (
	runnerKnobs = models.KnobSet{"AFL_FAST_CAL", "AFL_NO_ARITH"}
	runnerCombo = models.Combination{ID: 2, Label: "combo_2", Values: []bool{true, false}}
)

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "campaign.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func newTestRunner(t *testing.T, script string, budget, grace time.Duration) (*Runner, string) {
	t.Helper()

	workDir := filepath.Join(t.TempDir(), "workdir")
	r, err := NewRunner(RunnerConfig{
		Command:   script,
		WorkDir:   workDir,
		Knobs:     runnerKnobs,
		Env:       DefaultEnv,
		Budget:    budget,
		Grace:     grace,
		WaitDelay: time.Second,
		StatsFile: "fuzzer_stats",
		BugReport: "bugs.json",
	}, nil)
	require.NoError(t, err)
	return r, workDir
}

func TestNewRunner_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(RunnerConfig{}, nil)
	assert.Error(t, err)

	_, err = NewRunner(RunnerConfig{
		Command: filepath.Join(t.TempDir(), "missing.sh"),
		WorkDir: t.TempDir(),
		Knobs:   runnerKnobs,
		Budget:  time.Minute,
	}, nil)
	assert.Error(t, err)

	notExec := filepath.Join(t.TempDir(), "plain.sh")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0644))
	_, err = NewRunner(RunnerConfig{Command: notExec, WorkDir: t.TempDir(), Knobs: runnerKnobs, Budget: time.Minute}, nil)
	assert.ErrorContains(t, err, "not executable")

	script := writeScript(t, "exit 0\n")
	_, err = NewRunner(RunnerConfig{Command: script, WorkDir: t.TempDir(), Knobs: runnerKnobs}, nil)
	assert.ErrorContains(t, err, "budget")
}

// Not parallel: t.Setenv changes the process environment.
func TestRun_SuccessPassesKnobsExplicitly(t *testing.T) {
	script := writeScript(t, `
workdir=""
while [ $# -gt 0 ]; do
  case "$1" in
    --workdir) workdir="$2"; shift 2;;
    --knob) echo "arg $2"; shift 2;;
    *) shift;;
  esac
done
echo "env AFL_FAST_CAL=$AFL_FAST_CAL AFL_NO_ARITH=$AFL_NO_ARITH AFL_NO_UI=$AFL_NO_UI"
echo "leak=${KNOBSWEEP_TEST_LEAK:-unset}"
printf 'execs_done : 100\n' > "$workdir/fuzzer_stats"
`)
	t.Setenv("KNOBSWEEP_TEST_LEAK", "visible")

	r, workDir := newTestRunner(t, script, 10*time.Second, time.Second)
	outDir := filepath.Join(t.TempDir(), "combo_2")

	outcome, err := r.Run(context.Background(), runnerCombo, outDir)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSuccess, outcome.Kind)
	assert.True(t, outcome.Succeeded())
	assert.Equal(t, workDir, outcome.ArtifactsDir)
	assert.Nil(t, outcome.Diagnostics)
	assert.FileExists(t, filepath.Join(workDir, "fuzzer_stats"))

	logData, err := os.ReadFile(filepath.Join(outDir, CampaignLogFile))
	require.NoError(t, err)
	log := string(logData)
	assert.Contains(t, log, "arg AFL_FAST_CAL=1")
	assert.Contains(t, log, "arg AFL_NO_ARITH=0")
	assert.Contains(t, log, "env AFL_FAST_CAL=1 AFL_NO_ARITH=0 AFL_NO_UI=1")
	assert.Contains(t, log, "leak=unset")

	invData, err := os.ReadFile(filepath.Join(outDir, InvocationFile))
	require.NoError(t, err)
	var inv Invocation
	require.NoError(t, json.Unmarshal(invData, &inv))
	assert.Equal(t, "combo_2", inv.Label)
	assert.Equal(t, map[string]int{"AFL_FAST_CAL": 1, "AFL_NO_ARITH": 0}, inv.Knobs)
	assert.Equal(t, int64(10), inv.BudgetSeconds)
	assert.Contains(t, inv.Args, "--budget-seconds")
	assert.Contains(t, inv.Env, "AFL_FAST_CAL=1")
}

func TestRun_ResetsWorkDir(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `
while [ $# -gt 0 ]; do
  case "$1" in
    --workdir) workdir="$2"; shift 2;;
    *) shift;;
  esac
done
if [ -e "$workdir/stale_corpus" ]; then
  echo "stale state leaked" >&2
  exit 3
fi
touch "$workdir/stale_corpus"
`)
	r, _ := newTestRunner(t, script, 10*time.Second, time.Second)

	for i := 0; i < 2; i++ {
		outcome, err := r.Run(context.Background(), runnerCombo, filepath.Join(t.TempDir(), "out"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, outcome.Kind, "run %d", i)
	}
}

func TestRun_NonZeroExitCollectsDiagnostics(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `
while [ $# -gt 0 ]; do
  case "$1" in
    --workdir) workdir="$2"; shift 2;;
    *) shift;;
  esac
done
mkdir -p "$workdir/log"
echo "building target" > "$workdir/log/build.log"
echo "compile error: missing header" >> "$workdir/log/build.log"
echo "captain failed" >&2
exit 2
`)
	r, _ := newTestRunner(t, script, 10*time.Second, time.Second)
	outDir := filepath.Join(t.TempDir(), "combo_2")

	outcome, err := r.Run(context.Background(), runnerCombo, outDir)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Equal(t, 2, outcome.ExitCode)
	require.NotNil(t, outcome.Diagnostics)
	assert.Equal(t, []string{"captain failed"}, outcome.Diagnostics.StderrTail)
	require.Len(t, outcome.Diagnostics.LogTails, 1)
	assert.Equal(t, "build.log", outcome.Diagnostics.LogTails[0].Name)
	assert.Contains(t, outcome.Diagnostics.LogTails[0].Lines, "compile error: missing header")
	assert.Equal(t, "exited with code 2", outcome.Reason())

	for _, a := range outcome.Diagnostics.Artifacts {
		assert.False(t, a.Found, a.Name)
	}

	diag, err := os.ReadFile(filepath.Join(outDir, DiagnosticsFile))
	require.NoError(t, err)
	assert.Contains(t, string(diag), "fuzzer_stats: missing")
	assert.Contains(t, string(diag), "captain failed")
}

func TestRun_TimeoutTerminatesProcess(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "sleep 30\n")
	r, _ := newTestRunner(t, script, 200*time.Millisecond, 200*time.Millisecond)

	start := time.Now()
	outcome, err := r.Run(context.Background(), runnerCombo, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeTimedOut, outcome.Kind)
	assert.Less(t, time.Since(start), 10*time.Second)
	require.NotNil(t, outcome.Diagnostics)
	assert.True(t, strings.HasPrefix(outcome.Reason(), "timed out"))
}

func TestRun_BackgroundChildDoesNotFailCleanExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `
while [ $# -gt 0 ]; do
  case "$1" in
    --workdir) workdir="$2"; shift 2;;
    *) shift;;
  esac
done
printf 'execs_done : 5000\npaths_total : 12\n' > "$workdir/fuzzer_stats"
sleep 30 &
exit 0
`)
	r, workDir := newTestRunner(t, script, 10*time.Second, time.Second)

	start := time.Now()
	outcome, err := r.Run(context.Background(), runnerCombo, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, models.OutcomeSuccess, outcome.Kind)
	assert.Nil(t, outcome.Diagnostics)
	assert.FileExists(t, filepath.Join(workDir, "fuzzer_stats"))
}

func TestRun_BackgroundChildStillChecksRuntime(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "sleep 30 &\nexit 0\n")
	r, err := NewRunner(RunnerConfig{
		Command:    script,
		WorkDir:    filepath.Join(t.TempDir(), "workdir"),
		Knobs:      runnerKnobs,
		Budget:     time.Minute,
		WaitDelay:  200 * time.Millisecond,
		MinRuntime: time.Hour,
	}, nil)
	require.NoError(t, err)

	outcome, err := r.Run(context.Background(), runnerCombo, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason(), "too quickly")
}

func TestRun_TooQuickIsFailure(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "exit 0\n")
	workDir := filepath.Join(t.TempDir(), "workdir")
	r, err := NewRunner(RunnerConfig{
		Command:    script,
		WorkDir:    workDir,
		Knobs:      runnerKnobs,
		Budget:     time.Minute,
		MinRuntime: time.Hour,
	}, nil)
	require.NoError(t, err)

	outcome, err := r.Run(context.Background(), runnerCombo, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason(), "too quickly")
}

func TestRun_CancelledContextIsAnError(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "sleep 30\n")
	r, _ := newTestRunner(t, script, time.Minute, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	outcome, err := r.Run(ctx, runnerCombo, filepath.Join(t.TempDir(), "out"))
	assert.Nil(t, outcome)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	tb := newTailBuffer(2)
	_, _ = tb.Write([]byte("one\ntwo\nthr"))
	_, _ = tb.Write([]byte("ee\nfour"))

	assert.Equal(t, []string{"three", "four"}, tb.Lines())
}

func TestTailBuffer_BoundsUnterminatedLine(t *testing.T) {
	t.Parallel()

	tb := newTailBuffer(3)
	chunk := bytes.Repeat([]byte("\rprogress 42%"), 1024)
	for i := 0; i < 64; i++ {
		_, _ = tb.Write(chunk)
	}
	assert.LessOrEqual(t, len(tb.partial), maxPartialLine)

	_, _ = tb.Write([]byte(" done\n"))
	lines := tb.Lines()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], "progress 42% done"))
	assert.LessOrEqual(t, len(lines[0]), maxPartialLine+len(" done"))
}
