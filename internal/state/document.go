package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/imishinist/knobsweep/internal/models"
)

// document is the on-disk shape of the sweep state. The completed,
// in_progress and timing fields keep the layout older sweeps wrote; knobs,
// failed and campaigns extend it.
type document struct {
	SweepID           string                           `json:"sweep_id,omitempty"`
	Knobs             []string                         `json:"knobs,omitempty"`
	Completed         []string                         `json:"completed"`
	Failed            []string                         `json:"failed,omitempty"`
	InProgress        *string                          `json:"in_progress"`
	StartTime         string                           `json:"start_time"`
	LastUpdate        *string                          `json:"last_update"`
	TotalCombinations int                              `json:"total_combinations"`
	TimeBudgetMinutes float64                          `json:"time_budget_minutes"`
	Campaigns         map[string]*models.CampaignState `json:"campaigns,omitempty"`
}

func (s *Store) toDocument() *document {
	st := s.state
	doc := &document{
		SweepID:           st.SweepID,
		Knobs:             st.Knobs,
		Completed:         st.Labels(models.StatusCompleted),
		Failed:            st.Labels(models.StatusFailed),
		StartTime:         st.StartTime.Format(time.RFC3339),
		TotalCombinations: st.TotalCombinations,
		TimeBudgetMinutes: st.TimeBudget.Minutes(),
		Campaigns:         st.Campaigns,
	}
	if running := st.Labels(models.StatusInProgress); len(running) > 0 {
		label := running[0]
		doc.InProgress = &label
	}
	if st.LastUpdate != nil {
		ts := st.LastUpdate.Format(time.RFC3339)
		doc.LastUpdate = &ts
	}
	return doc
}

// fromDocument rebuilds and validates a state against the current
// combination set. Any disagreement is reported as corruption.
func (s *Store) fromDocument(doc *document) (*models.SweepState, error) {
	if doc.TotalCombinations != 0 && doc.TotalCombinations != len(s.combos) {
		return nil, fmt.Errorf("%w: state has %d combinations, knob set defines %d",
			ErrCorrupt, doc.TotalCombinations, len(s.combos))
	}
	if len(doc.Knobs) > 0 && !models.KnobSet(doc.Knobs).Equal(s.knobs) {
		return nil, fmt.Errorf("%w: state knobs %v do not match %v", ErrCorrupt, doc.Knobs, []string(s.knobs))
	}

	st := s.fresh(time.Duration(doc.TimeBudgetMinutes * float64(time.Minute)))
	st.SweepID = doc.SweepID
	if st.SweepID == "" {
		st.SweepID = uuid.NewString()
	}
	if doc.StartTime != "" {
		if t, err := parseTime(doc.StartTime); err == nil {
			st.StartTime = t
		}
	}

	if len(doc.Campaigns) > 0 {
		for label, cs := range doc.Campaigns {
			if cs == nil {
				return nil, fmt.Errorf("%w: empty entry for %s", ErrCorrupt, label)
			}
			if _, ok := st.Campaigns[label]; !ok {
				return nil, fmt.Errorf("%w: unknown label %s", ErrCorrupt, label)
			}
			switch cs.Status {
			case models.StatusPending, models.StatusInProgress, models.StatusCompleted, models.StatusFailed:
			default:
				return nil, fmt.Errorf("%w: %s has invalid status %q", ErrCorrupt, label, cs.Status)
			}
			entry := *cs
			entry.Label = label
			st.Campaigns[label] = &entry
		}
		if len(doc.Campaigns) != len(st.Campaigns) {
			return nil, fmt.Errorf("%w: state lists %d of %d combinations",
				ErrCorrupt, len(doc.Campaigns), len(st.Campaigns))
		}
		return st, nil
	}

	// Older files only carry the completed list and the in-progress label.
	for _, label := range doc.Completed {
		cs, ok := st.Campaigns[label]
		if !ok {
			return nil, fmt.Errorf("%w: unknown label %s", ErrCorrupt, label)
		}
		cs.Status = models.StatusCompleted
		cs.MetricsPath = label + "/metrics.json"
	}
	for _, label := range doc.Failed {
		cs, ok := st.Campaigns[label]
		if !ok {
			return nil, fmt.Errorf("%w: unknown label %s", ErrCorrupt, label)
		}
		if cs.Status == models.StatusCompleted {
			return nil, fmt.Errorf("%w: %s is both completed and failed", ErrCorrupt, label)
		}
		cs.Status = models.StatusFailed
	}
	if doc.InProgress != nil {
		cs, ok := st.Campaigns[*doc.InProgress]
		if !ok {
			return nil, fmt.Errorf("%w: unknown label %s", ErrCorrupt, *doc.InProgress)
		}
		if cs.Status == models.StatusPending {
			cs.Status = models.StatusInProgress
		}
	}
	return st, nil
}

// parseTime accepts RFC 3339 and the naive ISO timestamps older files used.
func parseTime(value string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %s", value)
}
