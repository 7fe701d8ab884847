package parser

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/imishinist/knobsweep/internal/models"
)

// ParseYAMLKnobs accepts the same two shapes as ParseJSONKnobs. The document
// is read as a node tree so mapping order survives.
func ParseYAMLKnobs(reader io.Reader) (models.KnobSet, error) {
	var root yaml.Node
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(&root); err != nil {
		return nil, fmt.Errorf("failed to parse YAML knobs: %w", err)
	}

	doc := &root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("invalid knob definition: expected a non-empty mapping at line %d", doc.Line)
	}

	var knobs models.KnobSet
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, value := doc.Content[i], doc.Content[i+1]

		if key.Value == "knobs" && value.Kind == yaml.SequenceNode {
			if len(doc.Content) != 2 {
				return nil, fmt.Errorf("invalid knob definition: \"knobs\" must be the only key")
			}
			var file models.KnobsFile
			if err := doc.Decode(&file); err != nil {
				return nil, fmt.Errorf("failed to parse YAML knobs: %w", err)
			}
			return finish(file.Knobs)
		}

		var values []int
		if err := value.Decode(&values); err != nil {
			return nil, fmt.Errorf("failed to parse values of knob %s at line %d: %w", key.Value, value.Line, err)
		}
		if err := checkBoolean(key.Value, values); err != nil {
			return nil, err
		}
		knobs = append(knobs, key.Value)
	}

	return finish(knobs)
}
