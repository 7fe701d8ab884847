// Package campaign runs one external fuzzing campaign at a time under a
// wall-clock budget, in a working directory that is wiped before every run.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imishinist/knobsweep/internal/fsutil"
	"github.com/imishinist/knobsweep/internal/models"
)

// Files written into each combination's output directory.
const (
	InvocationFile  = "invocation.json"
	CampaignLogFile = "campaign.log"
	DiagnosticsFile = "diagnostics.txt"
)

const (
	DefaultGrace      = 5 * time.Minute
	DefaultWaitDelay  = 10 * time.Second
	DefaultMinRuntime = 5 * time.Second
	DefaultTailLines  = 30
	DefaultLogDir     = "log"
)

// DefaultArgs are used when no campaign arguments are configured.
var DefaultArgs = []string{"--label", "{label}", "--budget-seconds", "{budget_seconds}", "--workdir", "{workdir}"}

// DefaultEnv holds the host flags every campaign gets.
var DefaultEnv = map[string]string{
	"AFL_SKIP_CPUFREQ":                      "1",
	"AFL_NO_AFFINITY":                       "1",
	"AFL_I_DONT_CARE_ABOUT_MISSING_CRASHES": "1",
	"AFL_NO_UI":                             "1",
}

type RunnerConfig struct {
	Command    string
	Args       []string
	Dir        string
	WorkDir    string
	Knobs      models.KnobSet
	Env        map[string]string
	Budget     time.Duration
	Grace      time.Duration
	WaitDelay  time.Duration
	MinRuntime time.Duration
	TailLines  int
	LogDir     string
	StatsFile  string
	BugReport  string
}

type Runner struct {
	cfg     RunnerConfig
	command string
	logger  *zap.Logger
}

func NewRunner(cfg RunnerConfig, logger *zap.Logger) (*Runner, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("campaign command is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("campaign working directory is required")
	}
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("time budget must be positive, got %s", cfg.Budget)
	}
	if len(cfg.Knobs) == 0 {
		return nil, fmt.Errorf("knob set is required")
	}

	command, err := resolveCommand(cfg.Command, cfg.Dir)
	if err != nil {
		return nil, err
	}

	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	if cfg.LogDir == "" {
		cfg.LogDir = DefaultLogDir
	}
	if cfg.Args == nil {
		cfg.Args = DefaultArgs
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{cfg: cfg, command: command, logger: logger}, nil
}

// resolveCommand checks that the campaign command exists and is executable.
func resolveCommand(command, dir string) (string, error) {
	if !strings.ContainsRune(command, filepath.Separator) {
		path, err := exec.LookPath(command)
		if err != nil {
			return "", fmt.Errorf("campaign command %q not found: %w", command, err)
		}
		return path, nil
	}

	path := command
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve campaign command %q: %w", command, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("campaign command not found: %w", err)
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("campaign command %s is not executable", abs)
	}
	return abs, nil
}

func (r *Runner) Budget() time.Duration {
	return r.cfg.Budget
}

func (r *Runner) WorkDir() string {
	return r.cfg.WorkDir
}

// Run executes one campaign for c. It wipes the working directory, records
// the invocation in outDir, and waits for the process for at most the budget
// plus the grace period. A cancelled ctx aborts the run and is returned as an
// error; every other failure is reported through the Outcome.
func (r *Runner) Run(ctx context.Context, c models.Combination, outDir string) (*Outcome, error) {
	log := r.logger.With(zap.String("label", c.Label))

	if err := fsutil.ResetDir(r.cfg.WorkDir); err != nil {
		return nil, fmt.Errorf("failed to reset working directory: %w", err)
	}
	if err := fsutil.ResetDir(outDir); err != nil {
		return nil, fmt.Errorf("failed to reset output directory: %w", err)
	}

	inv := r.invocation(c)
	if err := fsutil.WriteJSONAtomic(filepath.Join(outDir, InvocationFile), inv); err != nil {
		return nil, err
	}

	logFile, err := os.Create(filepath.Join(outDir, CampaignLogFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign log: %w", err)
	}
	defer logFile.Close()

	stdoutTail := newTailBuffer(r.cfg.TailLines)
	stderrTail := newTailBuffer(r.cfg.TailLines)

	deadline := r.cfg.Budget + r.cfg.Grace
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command, inv.Args...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = inv.Env
	cmd.Stdout = io.MultiWriter(logFile, stdoutTail)
	cmd.Stderr = io.MultiWriter(logFile, stderrTail)
	cmd.WaitDelay = r.cfg.WaitDelay
	configureProcess(cmd)

	log.Info("Starting campaign",
		zap.String("knobs", c.Describe(r.cfg.Knobs)),
		zap.Duration("budget", r.cfg.Budget),
		zap.Duration("process_timeout", deadline))

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	killProcessGroup(cmd)

	if errors.Is(runErr, exec.ErrWaitDelay) {
		// The campaign exited cleanly but a background child kept its
		// output open. The child's process group is already gone.
		log.Warn("Campaign left background processes holding its output", zap.Duration("wait_delay", r.cfg.WaitDelay))
		runErr = nil
	}

	if ctx.Err() != nil {
		log.Warn("Campaign interrupted", zap.Duration("elapsed", elapsed))
		return nil, fmt.Errorf("campaign %s interrupted: %w", c.Label, ctx.Err())
	}

	outcome := &Outcome{
		Kind:         models.OutcomeSuccess,
		ArtifactsDir: r.cfg.WorkDir,
		Duration:     elapsed,
	}

	var reason string
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.Kind = models.OutcomeTimedOut
		outcome.ExitCode = -1
		reason = fmt.Sprintf("timed out after %s (budget %s + grace %s)", elapsed.Round(time.Second), r.cfg.Budget, r.cfg.Grace)
		log.Warn("Campaign timed out", zap.Duration("elapsed", elapsed))
	case runErr == nil && elapsed < r.cfg.MinRuntime:
		outcome.Kind = models.OutcomeFailed
		reason = fmt.Sprintf("finished too quickly (%.1fs), the campaign likely did not run", elapsed.Seconds())
		log.Warn("Campaign completed too quickly", zap.Duration("elapsed", elapsed))
	case runErr == nil:
		log.Info("Campaign finished", zap.Duration("elapsed", elapsed))
	case errors.As(runErr, &exitErr):
		outcome.Kind = models.OutcomeFailed
		outcome.ExitCode = exitErr.ExitCode()
		reason = fmt.Sprintf("exited with code %d", outcome.ExitCode)
		log.Warn("Campaign failed", zap.Int("exit_code", outcome.ExitCode), zap.Duration("elapsed", elapsed))
	default:
		outcome.Kind = models.OutcomeFailed
		outcome.ExitCode = -1
		reason = runErr.Error()
		log.Error("Campaign could not run", zap.Error(runErr))
	}

	if outcome.Kind != models.OutcomeSuccess {
		outcome.Diagnostics = &Diagnostics{
			Reason:     reason,
			ExitCode:   outcome.ExitCode,
			StdoutTail: stdoutTail.Lines(),
			StderrTail: stderrTail.Lines(),
			LogTails:   collectLogTails(filepath.Join(r.cfg.WorkDir, r.cfg.LogDir), r.cfg.TailLines),
			Artifacts:  checkArtifacts(r.cfg.WorkDir, r.cfg.StatsFile, r.cfg.BugReport),
		}
		path := filepath.Join(outDir, DiagnosticsFile)
		if err := fsutil.WriteFileAtomic(path, []byte(outcome.Diagnostics.String()), 0644); err != nil {
			log.Warn("Could not write diagnostics", zap.Error(err))
		}
		for _, line := range outcome.Diagnostics.StderrTail {
			log.Debug("stderr", zap.String("line", line))
		}
	}

	return outcome, nil
}

func (r *Runner) invocation(c models.Combination) *Invocation {
	budgetSeconds := int64(math.Ceil(r.cfg.Budget.Seconds()))
	replacer := strings.NewReplacer(
		"{label}", c.Label,
		"{budget_seconds}", strconv.FormatInt(budgetSeconds, 10),
		"{budget_minutes}", strconv.FormatInt(int64(math.Ceil(r.cfg.Budget.Minutes())), 10),
		"{workdir}", r.cfg.WorkDir,
	)

	args := make([]string, 0, len(r.cfg.Args)+2*len(r.cfg.Knobs))
	for _, a := range r.cfg.Args {
		args = append(args, replacer.Replace(a))
	}
	knobs := c.Knobs(r.cfg.Knobs)
	for _, name := range r.cfg.Knobs {
		args = append(args, "--knob", fmt.Sprintf("%s=%d", name, knobs[name]))
	}

	return &Invocation{
		Label:         c.Label,
		Knobs:         knobs,
		Command:       r.command,
		Args:          args,
		Env:           r.environment(knobs),
		Dir:           r.cfg.Dir,
		WorkDir:       r.cfg.WorkDir,
		BudgetSeconds: budgetSeconds,
		GraceSeconds:  int64(r.cfg.Grace.Seconds()),
		StartedAt:     time.Now(),
	}
}

// environment builds the child environment from explicit inputs only: the
// search path and home directory, the configured host flags, then the knobs.
func (r *Runner) environment(knobs map[string]int) []string {
	env := make([]string, 0, 2+len(r.cfg.Env)+len(knobs))
	for _, key := range []string{"PATH", "HOME"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}

	keys := make([]string, 0, len(r.cfg.Env))
	for k := range r.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, isKnob := knobs[k]; isKnob {
			continue
		}
		env = append(env, k+"="+r.cfg.Env[k])
	}

	for _, name := range r.cfg.Knobs {
		env = append(env, fmt.Sprintf("%s=%d", name, knobs[name]))
	}
	return env
}
