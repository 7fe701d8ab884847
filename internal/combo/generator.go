// Package combo enumerates the boolean combination space of a knob set.
package combo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/imishinist/knobsweep/internal/models"
)

const labelPrefix = "combo_"

// MaxKnobs bounds the sweep size to 2^MaxKnobs campaigns.
const MaxKnobs = 20

type Generator struct {
	knobs  models.KnobSet
	combos []models.Combination
	index  map[string]int
}

func NewGenerator(knobs models.KnobSet) (*Generator, error) {
	if len(knobs) <= 0 {
		return nil, fmt.Errorf("knob set must contain at least one knob")
	}
	if len(knobs) > MaxKnobs {
		return nil, fmt.Errorf("too many knobs: %d (max %d)", len(knobs), MaxKnobs)
	}
	if err := knobs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid knob set: %w", err)
	}

	k := len(knobs)
	total := 1 << k
	g := &Generator{
		knobs:  append(models.KnobSet(nil), knobs...),
		combos: make([]models.Combination, 0, total),
		index:  make(map[string]int, total),
	}
	for id := 0; id < total; id++ {
		c := models.Combination{
			ID:     id,
			Label:  labelFor(id),
			Values: bitsOf(id, k),
		}
		g.index[c.Label] = len(g.combos)
		g.combos = append(g.combos, c)
	}

	return g, nil
}

func (g *Generator) Knobs() models.KnobSet {
	return append(models.KnobSet(nil), g.knobs...)
}

// Combinations returns every combination in ascending label order.
func (g *Generator) Combinations() []models.Combination {
	out := make([]models.Combination, len(g.combos))
	for i, c := range g.combos {
		c.Values = append([]bool(nil), c.Values...)
		out[i] = c
	}
	return out
}

func (g *Generator) Len() int {
	return len(g.combos)
}

func (g *Generator) Lookup(label string) (models.Combination, bool) {
	i, ok := g.index[label]
	if !ok {
		return models.Combination{}, false
	}
	c := g.combos[i]
	c.Values = append([]bool(nil), c.Values...)
	return c, true
}

// Label encodes a knob vector, first knob most significant.
func Label(values []bool) string {
	id := 0
	for _, v := range values {
		id <<= 1
		if v {
			id |= 1
		}
	}
	return labelFor(id)
}

// ParseLabel returns the integer encoded in a combo_<n> label.
func ParseLabel(label string) (int, error) {
	if !strings.HasPrefix(label, labelPrefix) {
		return 0, fmt.Errorf("invalid combination label: %q", label)
	}
	id, err := strconv.Atoi(strings.TrimPrefix(label, labelPrefix))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid combination label: %q", label)
	}
	return id, nil
}

// Decode recovers the knob vector of a label for a knob set of size k.
func Decode(label string, k int) ([]bool, error) {
	if k <= 0 || k > MaxKnobs {
		return nil, fmt.Errorf("invalid knob count: %d", k)
	}
	id, err := ParseLabel(label)
	if err != nil {
		return nil, err
	}
	if id >= 1<<k {
		return nil, fmt.Errorf("label %s out of range for %d knobs", label, k)
	}
	return bitsOf(id, k), nil
}

// IsLabel reports whether name looks like a combination label.
func IsLabel(name string) bool {
	_, err := ParseLabel(name)
	return err == nil
}

func labelFor(id int) string {
	return labelPrefix + strconv.Itoa(id)
}

func bitsOf(id, k int) []bool {
	values := make([]bool, k)
	for i := 0; i < k; i++ {
		values[i] = id&(1<<(k-1-i)) != 0
	}
	return values
}
