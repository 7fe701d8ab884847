package models

import "time"

type CampaignStatus string

const (
	StatusPending    CampaignStatus = "pending"
	StatusInProgress CampaignStatus = "in_progress"
	StatusCompleted  CampaignStatus = "completed"
	StatusFailed     CampaignStatus = "failed"
)

// Terminal reports whether no further transition is allowed in this process.
func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type CampaignState struct {
	Label       string         `json:"-"`
	Status      CampaignStatus `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	MetricsPath string         `json:"metrics_path,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
}

// SweepState is the in-memory aggregate of sweep progress. Campaigns holds
// exactly one entry per combination label; Order keeps ascending label order.
type SweepState struct {
	SweepID           string
	Knobs             KnobSet
	TotalCombinations int
	TimeBudget        time.Duration
	StartTime         time.Time
	LastUpdate        *time.Time
	Order             []string
	Campaigns         map[string]*CampaignState
}

type StatusCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (c StatusCounts) Total() int {
	return c.Pending + c.InProgress + c.Completed + c.Failed
}

// Counts tallies campaigns by status.
func (s *SweepState) Counts() StatusCounts {
	var counts StatusCounts
	for _, label := range s.Order {
		switch s.Campaigns[label].Status {
		case StatusPending:
			counts.Pending++
		case StatusInProgress:
			counts.InProgress++
		case StatusCompleted:
			counts.Completed++
		case StatusFailed:
			counts.Failed++
		}
	}
	return counts
}

// Labels returns the labels with the given status in ascending order.
func (s *SweepState) Labels(status CampaignStatus) []string {
	labels := make([]string, 0)
	for _, label := range s.Order {
		if s.Campaigns[label].Status == status {
			labels = append(labels, label)
		}
	}
	return labels
}

// Clone returns a deep copy safe to hand out to callers.
func (s *SweepState) Clone() SweepState {
	out := *s
	out.Knobs = append(KnobSet(nil), s.Knobs...)
	out.Order = append([]string(nil), s.Order...)
	out.Campaigns = make(map[string]*CampaignState, len(s.Campaigns))
	for label, cs := range s.Campaigns {
		c := *cs
		out.Campaigns[label] = &c
	}
	if s.LastUpdate != nil {
		t := *s.LastUpdate
		out.LastUpdate = &t
	}
	return out
}
