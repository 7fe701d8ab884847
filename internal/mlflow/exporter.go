package mlflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/databricks/databricks-sdk-go/service/ml"
	"go.uber.org/zap"

	"github.com/imishinist/knobsweep/internal/models"
	"github.com/imishinist/knobsweep/internal/sweep"
)

// Files uploaded with every run when present in the combination's results
// directory.
var exportedArtifacts = []string{
	sweep.MetricsFile,
	sweep.StatsCopy,
	sweep.BugReportCopy,
	"invocation.json",
	"diagnostics.txt",
}

// Tracker is the part of Client the exporter needs.
type Tracker interface {
	CreateRun(ctx context.Context, experimentID, runName string, tags map[string]string) (string, error)
	LogParamsFromMap(ctx context.Context, runID string, params map[string]string) error
	LogMetrics(ctx context.Context, runID string, metrics []Metric) error
	UploadArtifact(ctx context.Context, runID, filePath, artifactPath string) error
	EndRun(ctx context.Context, runID string, status ml.UpdateRunStatus) error
}

// Exporter records each committed combination as an MLflow run: knob values
// become params, the metrics record becomes metrics, and the raw artifacts
// are uploaded.
type Exporter struct {
	tracker      Tracker
	experimentID string
	sweepID      string
	knobs        models.KnobSet
	logger       *zap.Logger
}

func NewExporter(tracker Tracker, experimentID, sweepID string, knobs models.KnobSet, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{tracker: tracker, experimentID: experimentID, sweepID: sweepID, knobs: knobs, logger: logger}
}

// Export implements sweep.Sink.
func (e *Exporter) Export(ctx context.Context, res *sweep.Result) error {
	label := res.Combination.Label
	tags := map[string]string{
		"knobsweep.sweep_id": e.sweepID,
		"knobsweep.label":    label,
		"knobsweep.status":   string(res.Status),
	}
	if res.Reason != "" {
		tags["knobsweep.reason"] = res.Reason
	}

	runID, err := e.tracker.CreateRun(ctx, e.experimentID, label, tags)
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", label, err)
	}
	log := e.logger.With(zap.String("label", label), zap.String("run_id", runID))

	if err := e.tracker.LogParamsFromMap(ctx, runID, Params(e.knobs, res.Combination)); err != nil {
		return e.abort(ctx, runID, err)
	}
	if err := e.tracker.LogMetrics(ctx, runID, Metrics(res)); err != nil {
		return e.abort(ctx, runID, err)
	}

	for _, name := range exportedArtifacts {
		path := filepath.Join(res.OutDir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := e.tracker.UploadArtifact(ctx, runID, path, name); err != nil {
			log.Warn("Artifact upload failed", zap.String("file", name), zap.Error(err))
		}
	}

	status := ml.UpdateRunStatusFinished
	if res.Status != models.StatusCompleted {
		status = ml.UpdateRunStatusFailed
	}
	if err := e.tracker.EndRun(ctx, runID, status); err != nil {
		return err
	}

	log.Debug("Exported combination to MLflow")
	return nil
}

func (e *Exporter) abort(ctx context.Context, runID string, cause error) error {
	if err := e.tracker.EndRun(ctx, runID, ml.UpdateRunStatusKilled); err != nil {
		e.logger.Debug("Could not close partially exported run", zap.String("run_id", runID), zap.Error(err))
	}
	return cause
}

// Params maps knob names to "0" or "1".
func Params(knobs models.KnobSet, c models.Combination) map[string]string {
	params := make(map[string]string, len(knobs)+1)
	for name, v := range c.Knobs(knobs) {
		params[name] = strconv.Itoa(v)
	}
	params["combo_id"] = c.Label
	return params
}

// Metrics converts the record of a result into MLflow metrics. A result
// without a record only reports its duration.
func Metrics(res *sweep.Result) []Metric {
	metrics := []Metric{{Key: "wall_time_sec", Value: res.Duration.Seconds()}}
	if res.Record == nil {
		return metrics
	}
	r := res.Record
	return append(metrics,
		Metric{Key: "bitmap_cvg_pct", Value: r.BitmapCvgPct},
		Metric{Key: "paths_total", Value: float64(r.PathsTotal)},
		Metric{Key: "execs_done", Value: float64(r.ExecsDone)},
		Metric{Key: "execs_per_sec", Value: r.ExecsPerSec},
		Metric{Key: "bugs_triggered", Value: float64(r.BugsTriggered)},
		Metric{Key: "bugs_reached", Value: float64(r.BugsReached)},
	)
}
