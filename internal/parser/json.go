package parser

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/imishinist/knobsweep/internal/models"
)

//go:embed knobs.schema.json
var knobsSchema []byte

// ParseJSONKnobs reads a knob definition in either the list form
// {"knobs": ["A", "B"]} or the map form {"A": [0, 1], "B": [0, 1]}. Map keys
// keep their file order.
func ParseJSONKnobs(reader io.Reader) (models.KnobSet, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON knobs: %w", err)
	}

	if err := validateJSON(data); err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	if _, err := decoder.Token(); err != nil {
		return nil, fmt.Errorf("failed to parse JSON knobs: %w", err)
	}

	var knobs models.KnobSet
	for decoder.More() {
		tok, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON knobs: %w", err)
		}
		name, _ := tok.(string)

		if name == "knobs" {
			var list []string
			if err := decoder.Decode(&list); err != nil {
				return nil, fmt.Errorf("failed to parse JSON knobs: %w", err)
			}
			return finish(list)
		}

		var values []int
		if err := decoder.Decode(&values); err != nil {
			return nil, fmt.Errorf("failed to parse values of knob %s: %w", name, err)
		}
		if err := checkBoolean(name, values); err != nil {
			return nil, err
		}
		knobs = append(knobs, name)
	}

	return finish(knobs)
}

func validateJSON(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(knobsSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("failed to parse JSON knobs: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid knob definition: %s", strings.Join(msgs, "; "))
	}
	return nil
}
