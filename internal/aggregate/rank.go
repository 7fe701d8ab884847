package aggregate

import (
	"cmp"
	"slices"

	"github.com/imishinist/knobsweep/internal/fsutil"
	"github.com/imishinist/knobsweep/internal/models"
)

// RankedRow is a dataset row with its place in the ranking, 1 being best.
type RankedRow struct {
	Rank int `json:"rank"`
	models.MetricsRecord
}

// Rank orders the rows best to worst by coverage, then paths, then bugs
// triggered. Equal rows keep their label order.
func Rank(ds *models.AggregateDataset) []RankedRow {
	rows := slices.Clone(ds.Rows)
	slices.SortStableFunc(rows, func(a, b models.DatasetRow) int {
		if c := cmp.Compare(b.Metrics.BitmapCvgPct, a.Metrics.BitmapCvgPct); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Metrics.PathsTotal, a.Metrics.PathsTotal); c != 0 {
			return c
		}
		return cmp.Compare(b.Metrics.BugsTriggered, a.Metrics.BugsTriggered)
	})

	ranked := make([]RankedRow, len(rows))
	for i, row := range rows {
		rec := row.Metrics
		rec.Label = row.Label
		if len(row.Knobs) == len(ds.Knobs) {
			rec.Knobs = make(map[string]int, len(ds.Knobs))
			for j, name := range ds.Knobs {
				rec.Knobs[name] = row.Knobs[j]
			}
		}
		ranked[i] = RankedRow{Rank: i + 1, MetricsRecord: rec}
	}
	return ranked
}

// WriteRanking stores the full ranking as a JSON array.
func WriteRanking(path string, ranked []RankedRow) error {
	if ranked == nil {
		ranked = []RankedRow{}
	}
	return fsutil.WriteJSONAtomic(path, ranked)
}
