package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/imishinist/knobsweep/internal/campaign"
	"github.com/imishinist/knobsweep/internal/combo"
	"github.com/imishinist/knobsweep/internal/config"
	"github.com/imishinist/knobsweep/internal/extract"
	"github.com/imishinist/knobsweep/internal/mlflow"
	"github.com/imishinist/knobsweep/internal/models"
	"github.com/imishinist/knobsweep/internal/state"
	"github.com/imishinist/knobsweep/internal/sweep"
	"github.com/imishinist/knobsweep/internal/telemetry"
	timeutils "github.com/imishinist/knobsweep/internal/time"
)

var runSweepCmd = &cobra.Command{
	Use:   "run-sweep",
	Short: "Run one campaign per knob combination",
	Long: `Runs every pending combination in ascending label order, one campaign at a
time. Each campaign gets the time budget plus a grace period; its results are
written under the results directory and committed to the state file before
the next one starts.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(runSweepCmd)

	runSweepCmd.Flags().String("budget", "", "Time budget per combination, e.g. 30s, 20m, 1h or minutes (default: 20m)")
	runSweepCmd.Flags().Bool("resume", false, "Resume from the saved state instead of starting over")
	runSweepCmd.Flags().Bool("dry-run", false, "Preview combinations without running anything")
	runSweepCmd.Flags().Bool("skip-build", false, "Do not build the campaign image; fail if it is missing")
	runSweepCmd.Flags().Bool("fail-fast", false, "Stop after the first failed combination")
	runSweepCmd.Flags().Bool("strict-state", false, "Fail instead of starting over when the state file is unreadable")
	runSweepCmd.Flags().Bool("retry-failed", false, "With --resume, run failed combinations again")
	runSweepCmd.Flags().String("work-dir", "", "Campaign working directory, wiped before every run")
	viper.BindPFlag("budget", runSweepCmd.Flags().Lookup("budget"))
	viper.BindPFlag("work_dir", runSweepCmd.Flags().Lookup("work-dir"))
}

func runSweep(cmd *cobra.Command, args []string) error {
	resume, _ := cmd.Flags().GetBool("resume")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	skipBuild, _ := cmd.Flags().GetBool("skip-build")
	failFast, _ := cmd.Flags().GetBool("fail-fast")
	strict, _ := cmd.Flags().GetBool("strict-state")
	retryFailed, _ := cmd.Flags().GetBool("retry-failed")

	cfg := config.New()
	if failFast {
		cfg.FailPolicy = "fast"
	}

	budget, err := timeutils.ParseBudget(cfg.Budget)
	if err != nil {
		return fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
	}

	if dryRun {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
		}
		gen, err := loadKnobs(cfg)
		if err != nil {
			return err
		}
		printDryRun(gen, cfg, budget)
		return nil
	}

	if err := cfg.ValidateSweep(); err != nil {
		return fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
	}
	gen, err := loadKnobs(cfg)
	if err != nil {
		return err
	}
	knobs := gen.Knobs()

	logger.Info("Loaded knob combinations",
		zap.Int("combinations", gen.Len()),
		zap.Strings("knobs", knobs),
		zap.String("budget", timeutils.FormatBudget(budget)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	image := campaign.NewImageManager(cfg.Image.Name, cfg.Image.BuildCommand, cfg.Campaign.Dir, logger)
	if err := image.Ensure(ctx, skipBuild); err != nil {
		return fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
	}

	runner, err := newRunner(cfg, knobs, budget)
	if err != nil {
		return fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
	}

	store := state.NewStore(cfg.StateFile, knobs, gen.Combinations(),
		state.WithStrict(strict),
		state.WithRetryFailed(retryFailed),
		state.WithLogger(logger))

	st, err := openState(store, resume, budget)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.ResultsDir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}

	opts := sweep.Options{
		ResultsDir: cfg.ResultsDir,
		FailFast:   cfg.FailFast(),
		Pause:      cfg.Campaign.Pause,
	}

	if cfg.Metrics.Textfile != "" {
		recorder := telemetry.New(cfg.Metrics.Textfile)
		if err := recorder.SetCounts(st.Counts()); err != nil {
			logger.Warn("Telemetry update failed", zap.Error(err))
		}
		opts.Telemetry = recorder
	}

	if cfg.MLflow.Enabled() {
		client, err := mlflow.NewClient(cfg.MLflow)
		if err != nil {
			return fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
		}
		opts.Sink = mlflow.NewExporter(client, cfg.MLflow.ExperimentID, st.SweepID, knobs, logger)
		logger.Info("Exporting results to MLflow",
			zap.String("tracking_uri", cfg.MLflow.TrackingURI),
			zap.String("experiment_id", cfg.MLflow.ExperimentID))
	}

	counts := st.Counts()
	logger.Info("Starting sweep",
		zap.String("sweep_id", st.SweepID),
		zap.Int("pending", counts.Pending),
		zap.Int("completed", counts.Completed),
		zap.Int("failed", counts.Failed),
		zap.String("worst_case", timeutils.EstimateSweep(counts.Pending, budget, cfg.Campaign.Grace, cfg.Campaign.Pause).String()))

	extractor := extract.New(knobs, cfg.Campaign.StatsFile, cfg.Campaign.BugReport, logger)
	orch := sweep.New(store, runner, extractor, opts, logger)

	summary, runErr := orch.Run(ctx)
	printSweepSummary(summary, store.Snapshot(), cfg)

	switch {
	case runErr == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("sweep interrupted, rerun with --resume to continue: %w", runErr)
	default:
		return runErr
	}
}

func newRunner(cfg *config.Config, knobs models.KnobSet, budget time.Duration) (*campaign.Runner, error) {
	env, err := cfg.Campaign.EnvMap()
	if err != nil {
		return nil, err
	}

	return campaign.NewRunner(campaign.RunnerConfig{
		Command:    cfg.Campaign.Command,
		Args:       cfg.Campaign.Args,
		Dir:        cfg.Campaign.Dir,
		WorkDir:    cfg.WorkDir,
		Knobs:      knobs,
		Env:        env,
		Budget:     budget,
		Grace:      cfg.Campaign.Grace,
		MinRuntime: cfg.Campaign.MinRuntime,
		TailLines:  cfg.Campaign.TailLines,
		StatsFile:  cfg.Campaign.StatsFile,
		BugReport:  cfg.Campaign.BugReport,
	}, logger)
}

// openState starts a new sweep, archiving any previous state file, or
// resumes the saved one.
func openState(store *state.Store, resume bool, budget time.Duration) (*models.SweepState, error) {
	if resume {
		st, err := store.Load(budget)
		if err != nil {
			if errors.Is(err, state.ErrCorrupt) {
				return nil, fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
			}
			return nil, err
		}
		return st, nil
	}

	archived, err := store.Archive()
	if err != nil {
		return nil, err
	}
	if archived != "" {
		logger.Info("Previous sweep state archived, starting over (use --resume to continue it)",
			zap.String("archive", archived))
	}
	return store.Fresh(budget)
}

func printDryRun(gen *combo.Generator, cfg *config.Config, budget time.Duration) {
	fmt.Println("DRY RUN - nothing will be executed")
	fmt.Println(comboTable(gen, nil))
	fmt.Printf("Budget per combination: %s (process timeout %s)\n",
		timeutils.FormatBudget(budget), budget+cfg.Campaign.Grace)
	worst := timeutils.EstimateSweep(gen.Len(), budget, cfg.Campaign.Grace, cfg.Campaign.Pause)
	fmt.Printf("Worst-case sweep duration: %s (finishing %s)\n",
		worst, humanize.Time(time.Now().Add(worst)))
}

func printSweepSummary(summary *sweep.Summary, st models.SweepState, cfg *config.Config) {
	if summary == nil {
		return
	}
	counts := st.Counts()

	fmt.Println()
	fmt.Println("Sweep summary")
	fmt.Printf("  This run:  %s attempted in %s\n",
		humanize.Comma(int64(summary.Attempted)), summary.Elapsed.Round(time.Second))
	color.New(color.FgGreen).Fprintf(os.Stdout, "  Completed: %d/%d\n", counts.Completed, counts.Total())
	if counts.Failed > 0 {
		color.New(color.FgRed).Fprintf(os.Stdout, "  Failed:    %d %v\n", counts.Failed, st.Labels(models.StatusFailed))
	}
	if remaining := counts.Pending + counts.InProgress; remaining > 0 {
		color.New(color.FgYellow).Fprintf(os.Stdout, "  Remaining: %d\n", remaining)
	}
	fmt.Printf("  Results:   %s\n", cfg.ResultsDir)
	fmt.Printf("  State:     %s\n", cfg.StateFile)
}
