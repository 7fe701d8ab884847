package models

import "fmt"

// KnobSet is the ordered list of boolean knob names of a sweep. The order is
// part of the label encoding: the first knob is the most significant bit.
type KnobSet []string

// Validate rejects empty sets, empty names and duplicates.
func (k KnobSet) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("knob set is empty")
	}

	seen := make(map[string]bool, len(k))
	for i, name := range k {
		if name == "" {
			return fmt.Errorf("knob %d has an empty name", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate knob name: %s", name)
		}
		seen[name] = true
	}

	return nil
}

// Equal reports whether both sets name the same knobs in the same order.
func (k KnobSet) Equal(other KnobSet) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// KnobsFile is the list form of a knob definition file.
type KnobsFile struct {
	Knobs []string `json:"knobs" yaml:"knobs"`
}
