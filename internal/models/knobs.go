package models

import (
	"fmt"
	"strings"
)

type Combination struct {
	ID     int    `json:"id"`
	Label  string `json:"label"`
	Values []bool `json:"values"`
}

// Knobs pairs every value with its knob name.
func (c Combination) Knobs(knobs KnobSet) map[string]int {
	out := make(map[string]int, len(knobs))
	for i, name := range knobs {
		if i < len(c.Values) {
			out[name] = BoolToInt(c.Values[i])
		}
	}
	return out
}

// Describe renders the combination as NAME=0;NAME=1 in knob order.
func (c Combination) Describe(knobs KnobSet) string {
	parts := make([]string, 0, len(knobs))
	for i, name := range knobs {
		if i < len(c.Values) {
			parts = append(parts, fmt.Sprintf("%s=%d", name, BoolToInt(c.Values[i])))
		}
	}
	return strings.Join(parts, ";")
}

func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
