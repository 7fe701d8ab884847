package cmd

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/imishinist/knobsweep/internal/combo"
	"github.com/imishinist/knobsweep/internal/config"
	"github.com/imishinist/knobsweep/internal/models"
	"github.com/imishinist/knobsweep/internal/parser"
	"github.com/imishinist/knobsweep/internal/sweep"
)

// loadKnobs reads the knob definition and builds the combination table.
func loadKnobs(cfg *config.Config) (*combo.Generator, error) {
	knobs, err := parser.ParseKnobsFile(cfg.KnobsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
	}

	gen, err := combo.NewGenerator(knobs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
	}
	return gen, nil
}

// comboTable renders one row per combination with its knob values. status
// may be nil.
func comboTable(gen *combo.Generator, status func(label string) string) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)

	header := table.Row{"Label"}
	for _, name := range gen.Knobs() {
		header = append(header, name)
	}
	if status != nil {
		header = append(header, "Status")
	}
	tbl.AppendHeader(header)

	for _, c := range gen.Combinations() {
		row := table.Row{c.Label}
		for _, v := range c.Values {
			row = append(row, strconv.Itoa(models.BoolToInt(v)))
		}
		if status != nil {
			row = append(row, status(c.Label))
		}
		tbl.AppendRow(row)
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d combinations", gen.Len())})
	return tbl.Render()
}
