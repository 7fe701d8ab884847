package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imishinist/knobsweep/internal/combo"
	"github.com/imishinist/knobsweep/internal/config"
	"github.com/imishinist/knobsweep/internal/models"
	"github.com/imishinist/knobsweep/internal/sweep"
)

var combosCmd = &cobra.Command{
	Use:   "combos [label...]",
	Short: "List knob combinations and their labels",
	Long: `Prints the combination table derived from the knob definition. With label
arguments, prints the knob values each label decodes to.`,
	RunE: runCombos,
}

func init() {
	rootCmd.AddCommand(combosCmd)
}

func runCombos(cmd *cobra.Command, args []string) error {
	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", sweep.ErrConfiguration, err)
	}

	gen, err := loadKnobs(cfg)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		fmt.Println(comboTable(gen, nil))
		return nil
	}

	for _, label := range args {
		values, err := combo.Decode(label, len(gen.Knobs()))
		if err != nil {
			return err
		}
		parts := make([]string, 0, len(values))
		for i, name := range gen.Knobs() {
			parts = append(parts, fmt.Sprintf("%s=%d", name, models.BoolToInt(values[i])))
		}
		fmt.Printf("%s: %s\n", label, strings.Join(parts, " "))
	}
	return nil
}
