package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/imishinist/knobsweep/internal/models"
)

// WriteCSV writes the dataset with a header row in the stable column order.
func WriteCSV(w io.Writer, ds *models.AggregateDataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ds.Columns()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, row := range ds.Rows {
		record := make([]string, 0, 1+len(row.Knobs)+len(models.MetricColumns))
		record = append(record, row.Label)
		for _, v := range row.Knobs {
			record = append(record, strconv.Itoa(v))
		}
		m := row.Metrics
		record = append(record,
			strconv.FormatFloat(m.BitmapCvgPct, 'f', -1, 64),
			strconv.FormatInt(m.PathsTotal, 10),
			strconv.FormatInt(m.ExecsDone, 10),
			strconv.FormatFloat(m.ExecsPerSec, 'f', -1, 64),
			strconv.Itoa(m.BugsTriggered),
			strconv.Itoa(m.BugsReached),
		)
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row %s: %w", row.Label, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
