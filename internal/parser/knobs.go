// Package parser reads knob definition files.
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imishinist/knobsweep/internal/models"
)

// ParseKnobsFile picks the decoder from the file extension; anything that is
// not .yaml or .yml is read as JSON.
func ParseKnobsFile(path string) (models.KnobSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open knob definition: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAMLKnobs(f)
	default:
		return ParseJSONKnobs(f)
	}
}

// checkBoolean requires the listed values to be exactly 0 and 1.
func checkBoolean(name string, values []int) error {
	if len(values) != 2 || values[0] == values[1] {
		return fmt.Errorf("knob %s: values must be [0, 1], got %v", name, values)
	}
	for _, v := range values {
		if v != 0 && v != 1 {
			return fmt.Errorf("knob %s: values must be [0, 1], got %v", name, values)
		}
	}
	return nil
}

func finish(knobs []string) (models.KnobSet, error) {
	set := models.KnobSet(knobs)
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("invalid knob definition: %w", err)
	}
	return set, nil
}
