package models

type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeTimedOut OutcomeKind = "timed_out"
	OutcomeFailed   OutcomeKind = "failed"
)

// MetricsRecord is the normalized result of one campaign. It is written once
// to metrics.json and never edited; a re-run replaces the file.
type MetricsRecord struct {
	Label         string         `json:"label"`
	Knobs         map[string]int `json:"knobs"`
	AFLKnobs      string         `json:"afl_knobs,omitempty"`
	BitmapCvgPct  float64        `json:"bitmap_cvg_pct"`
	PathsTotal    int64          `json:"paths_total"`
	ExecsDone     int64          `json:"execs_done"`
	ExecsPerSec   float64        `json:"execs_per_sec"`
	BugsTriggered int            `json:"bugs_triggered"`
	BugsReached   int            `json:"bugs_reached"`
	WallTimeSec   float64        `json:"wall_time_sec"`
	Outcome       OutcomeKind    `json:"outcome,omitempty"`
	StatsFound    bool           `json:"stats_found"`
	BugsFound     bool           `json:"bugs_found"`

	StatsPath     string `json:"-"`
	BugReportPath string `json:"-"`
}

// MetricColumns is the canonical metric column order of the aggregate dataset.
var MetricColumns = []string{
	"bitmap_cvg_pct",
	"paths_total",
	"execs_done",
	"execs_per_sec",
	"bugs_triggered",
	"bugs_reached",
}

// LabelColumn is the first column of every dataset row.
const LabelColumn = "combo_id"

type DatasetRow struct {
	Label   string
	Knobs   []int
	Metrics MetricsRecord
}

type AggregateDataset struct {
	Knobs   KnobSet
	Rows    []DatasetRow
	Skipped []string
}

// Columns returns combo_id, the knob names and the metric columns in order.
func (d *AggregateDataset) Columns() []string {
	cols := make([]string, 0, 1+len(d.Knobs)+len(MetricColumns))
	cols = append(cols, LabelColumn)
	cols = append(cols, d.Knobs...)
	cols = append(cols, MetricColumns...)
	return cols
}

// Inactive reports whether the record shows that fuzzing never really ran,
// with a reason suitable for the state file.
func (r *MetricsRecord) Inactive() (bool, string) {
	if r.ExecsDone == 0 {
		return true, "execs_done=0, fuzzing did not run"
	}
	if r.PathsTotal == 0 && r.ExecsDone < 100 {
		return true, "paths_total=0 and execs_done<100, campaign likely incomplete"
	}
	return false, ""
}
