package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/imishinist/knobsweep/internal/config"
	"github.com/imishinist/knobsweep/internal/models"
	"github.com/imishinist/knobsweep/internal/state"
	"github.com/imishinist/knobsweep/internal/sweep"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sweep progress from the state file",
	Long: `Reads the state file without modifying it and prints per-combination status.
Results directories that disagree with the state file are reported.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("table", false, "Print every combination with its status")
}

func runStatus(cmd *cobra.Command, args []string) error {
	showTable, _ := cmd.Flags().GetBool("table")

	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
	}

	gen, err := loadKnobs(cfg)
	if err != nil {
		return err
	}

	st, err := state.NewStore(cfg.StateFile, gen.Knobs(), gen.Combinations()).Peek()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Printf("No sweep state at %s\n", cfg.StateFile)
			return nil
		}
		return err
	}

	counts := st.Counts()
	fmt.Printf("Sweep %s, %d combinations, budget %s\n", st.SweepID, counts.Total(), st.TimeBudget)
	fmt.Printf("Started %s", humanize.Time(st.StartTime))
	if st.LastUpdate != nil {
		fmt.Printf(", last update %s", humanize.Time(*st.LastUpdate))
	}
	fmt.Println()

	color.New(color.FgGreen).Fprintf(os.Stdout, "  completed:   %d\n", counts.Completed)
	color.New(color.FgRed).Fprintf(os.Stdout, "  failed:      %d\n", counts.Failed)
	color.New(color.FgYellow).Fprintf(os.Stdout, "  in progress: %d\n", counts.InProgress)
	fmt.Printf("  pending:     %d\n", counts.Pending)

	for _, label := range st.Labels(models.StatusFailed) {
		fmt.Printf("  %s failed: %s\n", label, st.Campaigns[label].Reason)
	}

	if showTable {
		fmt.Println(comboTable(gen, func(label string) string {
			cs := st.Campaigns[label]
			if cs.StartedAt != nil && cs.EndedAt != nil {
				return fmt.Sprintf("%s (%s)", cs.Status, cs.EndedAt.Sub(*cs.StartedAt).Round(time.Second))
			}
			return string(cs.Status)
		}))
	}

	for _, d := range sweep.Reconcile(st, cfg.ResultsDir) {
		color.New(color.FgYellow).Fprintf(os.Stdout, "  warning: %s: %s\n", d.Label, d.Issue)
	}
	return nil
}
