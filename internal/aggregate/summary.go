package aggregate

import "github.com/imishinist/knobsweep/internal/models"

type Range struct {
	Min float64
	Max float64
	Avg float64
}

type Summary struct {
	Rows      int
	Skipped   int
	Coverage  Range
	Paths     Range
	BugsMin   int
	BugsMax   int
	BugsTotal int
	BestLabel string
	BestKnobs string
}

// Summarize computes the overview printed after aggregation. BestLabel is the
// first row of Rank.
func Summarize(ds *models.AggregateDataset) Summary {
	s := Summary{Rows: len(ds.Rows), Skipped: len(ds.Skipped)}
	if len(ds.Rows) == 0 {
		return s
	}

	first := ds.Rows[0].Metrics
	s.Coverage = Range{Min: first.BitmapCvgPct, Max: first.BitmapCvgPct}
	s.Paths = Range{Min: float64(first.PathsTotal), Max: float64(first.PathsTotal)}
	s.BugsMin, s.BugsMax = first.BugsTriggered, first.BugsTriggered

	var cvgSum, pathSum float64
	for _, row := range ds.Rows {
		m := row.Metrics
		cvgSum += m.BitmapCvgPct
		pathSum += float64(m.PathsTotal)
		s.BugsTotal += m.BugsTriggered

		s.Coverage.Min = min(s.Coverage.Min, m.BitmapCvgPct)
		s.Coverage.Max = max(s.Coverage.Max, m.BitmapCvgPct)
		s.Paths.Min = min(s.Paths.Min, float64(m.PathsTotal))
		s.Paths.Max = max(s.Paths.Max, float64(m.PathsTotal))
		s.BugsMin = min(s.BugsMin, m.BugsTriggered)
		s.BugsMax = max(s.BugsMax, m.BugsTriggered)
	}

	n := float64(len(ds.Rows))
	s.Coverage.Avg = cvgSum / n
	s.Paths.Avg = pathSum / n
	best := Rank(ds)[0]
	s.BestLabel = best.Label
	s.BestKnobs = best.AFLKnobs
	return s
}
