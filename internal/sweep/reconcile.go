package sweep

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/imishinist/knobsweep/internal/combo"
	"github.com/imishinist/knobsweep/internal/models"
)

// Discrepancy is a disagreement between the state file and the results
// directory. The state file stays authoritative; these are only reported.
type Discrepancy struct {
	Label  string
	Status models.CampaignStatus
	Issue  string
}

// Reconcile compares the recorded state with what is on disk under
// resultsDir: completed combinations must have a metrics record, and records
// of combinations the state still considers open are flagged as stale.
func Reconcile(st *models.SweepState, resultsDir string) []Discrepancy {
	var out []Discrepancy

	for _, label := range st.Order {
		cs := st.Campaigns[label]
		hasRecord := fileExists(filepath.Join(resultsDir, label, MetricsFile))
		switch {
		case cs.Status == models.StatusCompleted && !hasRecord:
			out = append(out, Discrepancy{Label: label, Status: cs.Status, Issue: "completed but metrics record is missing"})
		case !cs.Status.Terminal() && hasRecord:
			out = append(out, Discrepancy{Label: label, Status: cs.Status, Issue: "stale metrics record from an earlier run"})
		}
	}

	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		return out
	}
	var unknown []string
	for _, entry := range entries {
		if !entry.IsDir() || !combo.IsLabel(entry.Name()) {
			continue
		}
		if _, ok := st.Campaigns[entry.Name()]; !ok {
			unknown = append(unknown, entry.Name())
		}
	}
	sort.Strings(unknown)
	for _, label := range unknown {
		out = append(out, Discrepancy{Label: label, Issue: "results directory outside the current knob set"})
	}

	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
