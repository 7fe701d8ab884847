// Package telemetry publishes sweep progress as Prometheus metrics in a
// node-exporter textfile, rewritten after every committed combination.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/imishinist/knobsweep/internal/models"
	"github.com/imishinist/knobsweep/internal/sweep"
)

const namespace = "knobsweep"

type Recorder struct {
	path     string
	registry *prometheus.Registry
	now      func() time.Time

	combinations *prometheus.GaugeVec
	campaigns    *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	coverage     prometheus.Gauge
	execsPerSec  prometheus.Gauge
	bugs         prometheus.Gauge
	lastUpdate   prometheus.Gauge
}

// New creates a recorder writing to path. An empty path keeps the metrics in
// memory only.
func New(path string) *Recorder {
	r := &Recorder{
		path:     path,
		registry: prometheus.NewRegistry(),
		now:      time.Now,
		combinations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "combinations",
			Help:      "Number of combinations by state.",
		}, []string{"status"}),
		campaigns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_total",
			Help:      "Campaigns run by this process, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "campaign_duration_seconds",
			Help:      "Wall-clock duration of campaigns.",
			Buckets:   []float64{5, 30, 60, 300, 600, 1200, 1800, 3600, 7200, 14400},
		}, []string{"status"}),
		coverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_bitmap_coverage_percent",
			Help:      "Bitmap coverage reported by the most recent campaign.",
		}),
		execsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_execs_per_second",
			Help:      "Execution speed reported by the most recent campaign.",
		}),
		bugs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_bugs_triggered",
			Help:      "Bugs triggered by the most recent campaign.",
		}),
		lastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_update_timestamp_seconds",
			Help:      "Unix time of the last committed combination.",
		}),
	}

	r.registry.MustRegister(r.combinations, r.campaigns, r.duration,
		r.coverage, r.execsPerSec, r.bugs, r.lastUpdate)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// SetCounts publishes the state counts without a campaign, e.g. at startup.
func (r *Recorder) SetCounts(counts models.StatusCounts) error {
	r.setCounts(counts)
	return r.flush()
}

// Observe implements sweep.Telemetry.
func (r *Recorder) Observe(res *sweep.Result, counts models.StatusCounts) error {
	r.setCounts(counts)

	r.campaigns.WithLabelValues(string(res.Status)).Inc()
	r.duration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
	if res.Record != nil {
		r.coverage.Set(res.Record.BitmapCvgPct)
		r.execsPerSec.Set(res.Record.ExecsPerSec)
		r.bugs.Set(float64(res.Record.BugsTriggered))
	}
	r.lastUpdate.Set(float64(r.now().Unix()))

	return r.flush()
}

func (r *Recorder) setCounts(counts models.StatusCounts) {
	r.combinations.WithLabelValues(string(models.StatusPending)).Set(float64(counts.Pending))
	r.combinations.WithLabelValues(string(models.StatusInProgress)).Set(float64(counts.InProgress))
	r.combinations.WithLabelValues(string(models.StatusCompleted)).Set(float64(counts.Completed))
	r.combinations.WithLabelValues(string(models.StatusFailed)).Set(float64(counts.Failed))
}

func (r *Recorder) flush() error {
	if r.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(r.path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
