package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/imishinist/knobsweep/internal/aggregate"
	"github.com/imishinist/knobsweep/internal/config"
	"github.com/imishinist/knobsweep/internal/fsutil"
	"github.com/imishinist/knobsweep/internal/models"
	"github.com/imishinist/knobsweep/internal/sweep"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Merge per-combination results into one CSV dataset",
	Long: `Reads the metrics record of every combination under the results directory
and writes one CSV row per combination found. Combinations without a readable
record are skipped and counted. The combinations are then ranked best to worst
by coverage, paths and bugs triggered. Safe to run while a sweep is in progress.`,
	RunE: runAggregate,
}

func init() {
	rootCmd.AddCommand(aggregateCmd)

	aggregateCmd.Flags().StringP("output", "o", "", "Output CSV path, - for stdout (default: dataset.csv)")
	aggregateCmd.Flags().String("ranking", "", "Also write the full ranking as JSON to this path")
	aggregateCmd.Flags().Int("top", 10, "Number of ranked combinations to print, 0 for all")
	viper.BindPFlag("output", aggregateCmd.Flags().Lookup("output"))
}

func runAggregate(cmd *cobra.Command, args []string) error {
	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
	}

	rankingPath, _ := cmd.Flags().GetString("ranking")
	top, _ := cmd.Flags().GetInt("top")
	if top < 0 {
		return fmt.Errorf("%w: --top must not be negative", sweep.ErrConfiguration)
	}

	gen, err := loadKnobs(cfg)
	if err != nil {
		return err
	}

	return writeDataset(aggregateOptions{
		ResultsDir: cfg.ResultsDir,
		Output:     cfg.Output,
		Ranking:    rankingPath,
		Top:        top,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}, gen.Knobs(), gen.Len())
}

type aggregateOptions struct {
	ResultsDir string
	Output     string
	Ranking    string
	Top        int
	Stdout     io.Writer
	Stderr     io.Writer
}

func writeDataset(opts aggregateOptions, knobs models.KnobSet, total int) error {
	ds, err := aggregate.New(opts.ResultsDir, knobs, logger).Collect()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := aggregate.WriteCSV(&buf, ds); err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}

	ranked := aggregate.Rank(ds)
	if opts.Ranking != "" {
		if err := aggregate.WriteRanking(opts.Ranking, ranked); err != nil {
			return fmt.Errorf("failed to write ranking: %w", err)
		}
		logger.Info("Ranking written", zap.String("path", opts.Ranking), zap.Int("rows", len(ranked)))
	}

	if opts.Output == "-" {
		if _, err := opts.Stdout.Write(buf.Bytes()); err != nil {
			return err
		}
		// stdout carries the CSV, so the report goes to stderr
		printSkipped(opts.Stderr, len(ds.Skipped))
		return nil
	}
	if err := fsutil.WriteFileAtomic(opts.Output, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	logger.Info("Dataset written", zap.String("path", opts.Output), zap.Int("rows", len(ds.Rows)))

	printAggregateSummary(opts.Stdout, aggregate.Summarize(ds), opts.Output, total)
	printRanking(opts.Stdout, ranked, opts.Top)
	return nil
}

func printSkipped(w io.Writer, skipped int) {
	if skipped > 0 {
		color.New(color.FgYellow).Fprintf(w, "Skipped %d combinations without a readable metrics record\n", skipped)
		return
	}
	fmt.Fprintln(w, "Skipped 0 combinations")
}

func printAggregateSummary(w io.Writer, s aggregate.Summary, output string, total int) {
	fmt.Fprintf(w, "Dataset: %s (%d of %d combinations)\n", output, s.Rows, total)
	printSkipped(w, s.Skipped)
	if s.Rows == 0 {
		return
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Metric", "Min", "Max", "Avg / Total"})
	tbl.AppendRow(table.Row{"bitmap coverage %",
		fmt.Sprintf("%.2f", s.Coverage.Min), fmt.Sprintf("%.2f", s.Coverage.Max), fmt.Sprintf("%.2f", s.Coverage.Avg)})
	tbl.AppendRow(table.Row{"paths total",
		humanize.Comma(int64(s.Paths.Min)), humanize.Comma(int64(s.Paths.Max)), humanize.CommafWithDigits(s.Paths.Avg, 1)})
	tbl.AppendRow(table.Row{"bugs triggered", s.BugsMin, s.BugsMax, s.BugsTotal})
	fmt.Fprintln(w, tbl.Render())

	if s.BestLabel != "" {
		fmt.Fprintf(w, "Best combination: %s %s (%.2f%%)\n", s.BestLabel, s.BestKnobs, s.Coverage.Max)
	}
}

func printRanking(w io.Writer, ranked []aggregate.RankedRow, top int) {
	if len(ranked) == 0 {
		return
	}
	shown := ranked
	if top > 0 && top < len(ranked) {
		shown = ranked[:top]
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.SetTitle("Ranking (best to worst)")
	tbl.AppendHeader(table.Row{"#", "Combination", "Knobs", "Coverage %", "Paths", "Bugs", "Outcome"})
	for _, r := range shown {
		tbl.AppendRow(table.Row{r.Rank, r.Label, r.AFLKnobs,
			fmt.Sprintf("%.2f", r.BitmapCvgPct), humanize.Comma(r.PathsTotal), r.BugsTriggered, r.Outcome})
	}
	if len(shown) < len(ranked) {
		tbl.AppendFooter(table.Row{"", fmt.Sprintf("%d more", len(ranked)-len(shown))})
	}
	fmt.Fprintln(w, tbl.Render())
}
