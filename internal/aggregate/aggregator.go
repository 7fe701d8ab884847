// Package aggregate merges per-combination metrics records into one dataset.
package aggregate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/imishinist/knobsweep/internal/combo"
	"github.com/imishinist/knobsweep/internal/models"
)

const metricsFile = "metrics.json"

type Aggregator struct {
	resultsDir string
	knobs      models.KnobSet
	logger     *zap.Logger
}

func New(resultsDir string, knobs models.KnobSet, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{resultsDir: resultsDir, knobs: knobs, logger: logger}
}

// Collect reads every combo_* directory under the results directory in label
// order. Directories without a readable record are listed in Skipped; only an
// unreadable results directory is an error.
func (a *Aggregator) Collect() (*models.AggregateDataset, error) {
	entries, err := os.ReadDir(a.resultsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read results directory: %w", err)
	}

	type labelled struct {
		id    int
		label string
	}
	var labels []labelled
	for _, entry := range entries {
		if !entry.IsDir() || !combo.IsLabel(entry.Name()) {
			continue
		}
		id, err := combo.ParseLabel(entry.Name())
		if err != nil {
			continue
		}
		labels = append(labels, labelled{id: id, label: entry.Name()})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].id < labels[j].id })

	ds := &models.AggregateDataset{Knobs: a.knobs}
	for _, l := range labels {
		row, err := a.row(l.label)
		if err != nil {
			a.logger.Warn("Skipping combination", zap.String("label", l.label), zap.Error(err))
			ds.Skipped = append(ds.Skipped, l.label)
			continue
		}
		ds.Rows = append(ds.Rows, *row)
	}

	return ds, nil
}

func (a *Aggregator) row(label string) (*models.DatasetRow, error) {
	path := filepath.Join(a.resultsDir, label, metricsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no readable metrics record: %w", err)
	}

	var rec models.MetricsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if rec.Label == "" {
		rec.Label = label
	}

	knobs, err := a.knobValues(label, rec.Knobs)
	if err != nil {
		return nil, err
	}
	return &models.DatasetRow{Label: label, Knobs: knobs, Metrics: rec}, nil
}

// knobValues prefers the values recorded with the metrics and falls back to
// decoding the label.
func (a *Aggregator) knobValues(label string, recorded map[string]int) ([]int, error) {
	values := make([]int, len(a.knobs))
	complete := len(recorded) > 0
	for i, name := range a.knobs {
		v, ok := recorded[name]
		if !ok {
			complete = false
			break
		}
		values[i] = v
	}
	if complete {
		return values, nil
	}

	bits, err := combo.Decode(label, len(a.knobs))
	if err != nil {
		return nil, fmt.Errorf("label does not match the knob set: %w", err)
	}
	for i, b := range bits {
		values[i] = models.BoolToInt(b)
	}
	return values, nil
}
