// Package sweep drives a knob sweep: it walks the pending combinations in
// label order, runs one campaign at a time and commits each result to the
// state store before moving on.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/imishinist/knobsweep/internal/campaign"
	"github.com/imishinist/knobsweep/internal/fsutil"
	"github.com/imishinist/knobsweep/internal/models"
)

// Files the orchestrator keeps in every combination's results directory.
const (
	MetricsFile   = "metrics.json"
	StatsCopy     = "fuzzer_stats"
	BugReportCopy = "bugs.json"
)

type Runner interface {
	Run(ctx context.Context, c models.Combination, outDir string) (*campaign.Outcome, error)
}

type Store interface {
	NextPending() (models.Combination, bool)
	MarkInProgress(label string) error
	MarkCompleted(label, metricsPath string) error
	MarkFailed(label, reason, metricsPath string) error
	Counts() models.StatusCounts
}

type Extractor interface {
	Extract(dir string, c models.Combination, elapsed time.Duration, kind models.OutcomeKind) *models.MetricsRecord
}

// Result is what the orchestrator knows about one finished combination.
type Result struct {
	Combination models.Combination
	Record      *models.MetricsRecord
	Status      models.CampaignStatus
	Reason      string
	Duration    time.Duration
	OutDir      string
}

// Sink receives every committed result. Export errors are logged and never
// affect the sweep.
type Sink interface {
	Export(ctx context.Context, res *Result) error
}

// Telemetry is told about progress after every commit.
type Telemetry interface {
	Observe(res *Result, counts models.StatusCounts) error
}

type Options struct {
	ResultsDir string
	FailFast   bool
	Pause      time.Duration
	Sink       Sink
	Telemetry  Telemetry
}

type Summary struct {
	Attempted int
	Completed int
	Failed    int
	Remaining int
	Elapsed   time.Duration
}

type Orchestrator struct {
	store     Store
	runner    Runner
	extractor Extractor
	opts      Options
	logger    *zap.Logger
}

func New(store Store, runner Runner, extractor Extractor, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{store: store, runner: runner, extractor: extractor, opts: opts, logger: logger}
}

// Run executes pending combinations until none are left. Cancelling ctx stops
// the sweep with ctx's error and leaves the in-flight combination in progress
// so the next resume runs it again.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	defer func() {
		counts := o.store.Counts()
		summary.Remaining = counts.Pending + counts.InProgress
		summary.Elapsed = time.Since(start)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		c, ok := o.store.NextPending()
		if !ok {
			break
		}

		counts := o.store.Counts()
		o.logger.Info("Running combination",
			zap.String("label", c.Label),
			zap.Int("done", counts.Completed+counts.Failed),
			zap.Int("total", counts.Total()))

		res, err := o.runOne(ctx, c)
		if err != nil {
			return summary, err
		}

		summary.Attempted++
		switch res.Status {
		case models.StatusCompleted:
			summary.Completed++
		case models.StatusFailed:
			summary.Failed++
			if o.opts.FailFast {
				return summary, fmt.Errorf("%w: %s: %s", ErrHalted, c.Label, res.Reason)
			}
		}

		if o.opts.Pause > 0 {
			if _, more := o.store.NextPending(); more {
				select {
				case <-ctx.Done():
					return summary, ctx.Err()
				case <-time.After(o.opts.Pause):
				}
			}
		}
	}

	return summary, nil
}

func (o *Orchestrator) runOne(ctx context.Context, c models.Combination) (*Result, error) {
	log := o.logger.With(zap.String("label", c.Label))

	if err := o.store.MarkInProgress(c.Label); err != nil {
		return nil, fmt.Errorf("failed to mark %s in progress: %w", c.Label, err)
	}

	outDir := filepath.Join(o.opts.ResultsDir, c.Label)
	res := &Result{Combination: c, OutDir: outDir}

	outcome, err := o.runner.Run(ctx, c, outDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		res.Status = models.StatusFailed
		res.Reason = fmt.Sprintf("campaign could not be started: %v", err)
		log.Error("Campaign could not be started", zap.Error(err))
		res.Record = o.extractor.Extract("", c, 0, models.OutcomeFailed)
		metricsPath, perr := o.persist(outDir, c.Label, res.Record)
		if perr != nil {
			log.Error("Could not write metrics record", zap.Error(perr))
		}
		if err := o.store.MarkFailed(c.Label, res.Reason, metricsPath); err != nil {
			return nil, fmt.Errorf("failed to mark %s failed: %w", c.Label, err)
		}
		o.publish(ctx, res)
		return res, nil
	}

	res.Duration = outcome.Duration
	res.Record = o.extractor.Extract(outcome.ArtifactsDir, c, outcome.Duration, outcome.Kind)

	metricsPath, perr := o.persist(outDir, c.Label, res.Record)
	if perr != nil {
		log.Error("Could not write metrics record", zap.Error(perr))
	}

	switch {
	case perr != nil:
		res.Status = models.StatusFailed
		res.Reason = fmt.Sprintf("metrics record not written: %v", perr)
	case !outcome.Succeeded():
		res.Status = models.StatusFailed
		res.Reason = outcome.Reason()
	default:
		if inactive, why := res.Record.Inactive(); inactive {
			res.Status = models.StatusFailed
			res.Reason = why
		} else {
			res.Status = models.StatusCompleted
		}
	}

	if res.Status == models.StatusCompleted {
		err = o.store.MarkCompleted(c.Label, metricsPath)
	} else {
		err = o.store.MarkFailed(c.Label, res.Reason, metricsPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", c.Label, err)
	}

	if res.Status == models.StatusCompleted {
		log.Info("Combination completed",
			zap.Float64("bitmap_cvg_pct", res.Record.BitmapCvgPct),
			zap.Int64("paths_total", res.Record.PathsTotal),
			zap.Int64("execs_done", res.Record.ExecsDone),
			zap.Int("bugs_triggered", res.Record.BugsTriggered),
			zap.Duration("elapsed", res.Duration))
	} else {
		log.Warn("Combination failed", zap.String("reason", res.Reason), zap.Duration("elapsed", res.Duration))
	}

	o.publish(ctx, res)
	return res, nil
}

// persist writes the metrics record and copies the raw artifacts next to it.
// It returns the record path relative to the results directory.
func (o *Orchestrator) persist(outDir, label string, rec *models.MetricsRecord) (string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", outDir, err)
	}

	copies := []struct{ src, name string }{
		{rec.StatsPath, StatsCopy},
		{rec.BugReportPath, BugReportCopy},
	}
	for _, cp := range copies {
		if cp.src == "" {
			continue
		}
		if err := fsutil.CopyFile(cp.src, filepath.Join(outDir, cp.name)); err != nil {
			o.logger.Warn("Could not copy artifact", zap.String("label", label), zap.String("file", cp.name), zap.Error(err))
		}
	}

	if err := fsutil.WriteJSONAtomic(filepath.Join(outDir, MetricsFile), rec); err != nil {
		return "", err
	}
	return filepath.Join(label, MetricsFile), nil
}

func (o *Orchestrator) publish(ctx context.Context, res *Result) {
	if o.opts.Sink != nil {
		if err := o.opts.Sink.Export(ctx, res); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("Result export failed", zap.String("label", res.Combination.Label), zap.Error(err))
		}
	}
	if o.opts.Telemetry != nil {
		if err := o.opts.Telemetry.Observe(res, o.store.Counts()); err != nil {
			o.logger.Warn("Telemetry update failed", zap.Error(err))
		}
	}
}
